// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

//go:build linux
// +build linux

package conntrack

import (
	"sync"

	tmconntrack "github.com/ti-mo/conntrack"
	"github.com/ti-mo/netfilter"

	"grimm.is/tetherd/internal/offload/types"
)

// EventHandler receives conntrack NEW/DELETE notifications.
type EventHandler func(Event)

// LinuxWatcher subscribes to the kernel's conntrack netlink multicast
// groups and translates NEW/DESTROY notifications into Events, grounded
// on github.com/ti-mo/conntrack's event subscription API (the same
// library used for the timeout-refresh send path in package timers).
type LinuxWatcher struct {
	handler EventHandler

	mu   sync.Mutex
	conn *tmconntrack.Conn
	evCh chan tmconntrack.Event
}

// NewLinuxWatcher creates a watcher that calls handler for every
// NEW/DESTROY conntrack event observed.
func NewLinuxWatcher(handler EventHandler) *LinuxWatcher {
	return &LinuxWatcher{handler: handler}
}

// Start dials the conntrack netlink socket and begins listening.
func (w *LinuxWatcher) Start() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.conn != nil {
		return nil
	}

	conn, err := tmconntrack.Dial(nil)
	if err != nil {
		return err
	}

	evCh := make(chan tmconntrack.Event, 64)
	if err := conn.Listen(evCh, 1, []netfilter.NetlinkGroup{
		netfilter.GroupCTNew,
		netfilter.GroupCTDestroy,
	}); err != nil {
		_ = conn.Close()
		return err
	}

	w.conn = conn
	w.evCh = evCh
	go w.run(evCh)
	return nil
}

// Stop closes the netlink socket, ending the listen loop.
func (w *LinuxWatcher) Stop() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.conn == nil {
		return nil
	}
	err := w.conn.Close()
	w.conn = nil
	return err
}

func (w *LinuxWatcher) run(evCh chan tmconntrack.Event) {
	for ev := range evCh {
		if translated, ok := translateEvent(ev); ok {
			w.handler(translated)
		}
	}
}

func translateEvent(ev tmconntrack.Event) (Event, bool) {
	if ev.Flow == nil {
		return Event{}, false
	}

	var kind MsgKind
	switch ev.Type {
	case tmconntrack.EventNew:
		kind = MsgNew
	case tmconntrack.EventDestroy:
		kind = MsgDelete
	default:
		return Event{}, false
	}

	orig, ok := translateTuple(ev.Flow.TupleOrig)
	if !ok {
		return Event{}, false
	}
	reply, ok := translateTuple(ev.Flow.TupleReply)
	if !ok {
		return Event{}, false
	}

	return Event{
		Kind:           kind,
		Original:       orig,
		Reply:          reply,
		Status:         uint32(ev.Flow.Status.Value),
		TimeoutSeconds: ev.Flow.Timeout,
	}, true
}

func translateTuple(t tmconntrack.Tuple) (Tuple, bool) {
	src4 := t.IP.SourceAddress.To4()
	dst4 := t.IP.DestinationAddress.To4()
	if src4 == nil || dst4 == nil {
		return Tuple{}, false
	}

	var proto types.Proto
	switch t.Proto.Protocol {
	case 6:
		proto = types.ProtoTCP
	case 17:
		proto = types.ProtoUDP
	default:
		return Tuple{}, false
	}

	var tuple Tuple
	copy(tuple.Src.Addr[:], src4)
	copy(tuple.Dst.Addr[:], dst4)
	tuple.Src.Port = t.Proto.SourcePort
	tuple.Dst.Port = t.Proto.DestinationPort
	tuple.Proto = proto
	return tuple, true
}
