// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

//go:build linux
// +build linux

package neighbor

import (
	"sync"

	"github.com/vishvananda/netlink"
)

// EventHandler receives neighbor events observed on the netlink socket.
type EventHandler func(Event)

// LinuxWatcher subscribes to RTM_NEWNEIGH/RTM_DELNEIGH netlink
// notifications and translates them into Events, grounded on
// github.com/vishvananda/netlink's NeighSubscribe.
type LinuxWatcher struct {
	handler EventHandler

	mu   sync.Mutex
	done chan struct{}
	wg   sync.WaitGroup
}

// NewLinuxWatcher creates a watcher that calls handler for every neighbor
// cache transition observed.
func NewLinuxWatcher(handler EventHandler) *LinuxWatcher {
	return &LinuxWatcher{handler: handler}
}

// Start begins the netlink subscription in a background goroutine.
func (w *LinuxWatcher) Start() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.done != nil {
		return nil
	}

	updates := make(chan netlink.NeighUpdate)
	done := make(chan struct{})
	if err := netlink.NeighSubscribe(updates, done); err != nil {
		return err
	}

	w.done = done
	w.wg.Add(1)
	go w.run(updates)
	return nil
}

// Stop tears down the subscription and waits for the goroutine to exit.
func (w *LinuxWatcher) Stop() error {
	w.mu.Lock()
	done := w.done
	w.done = nil
	w.mu.Unlock()

	if done == nil {
		return nil
	}
	close(done)
	w.wg.Wait()
	return nil
}

func (w *LinuxWatcher) run(updates chan netlink.NeighUpdate) {
	defer w.wg.Done()
	for update := range updates {
		if ev, ok := translateNeighUpdate(update); ok {
			w.handler(ev)
		}
	}
}

func translateNeighUpdate(update netlink.NeighUpdate) (Event, bool) {
	n := update.Neigh
	ev := Event{IfaceIndex: uint32(n.LinkIndex), NUD: translateNUD(n.State)}

	switch update.Type {
	case unixRTMNewNeigh:
		ev.Op = OpNew
	case unixRTMDelNeigh:
		ev.Op = OpDel
	default:
		return Event{}, false
	}
	if ev.NUD == NUDFailed {
		ev.Op = OpFailed
	}

	switch n.Family {
	case netlink.FAMILY_V4:
		ev.IsIPv6 = false
		ip := n.IP.To4()
		if ip == nil {
			return Event{}, false
		}
		copy(ev.AddrV4[:], ip)
	case netlink.FAMILY_V6:
		ev.IsIPv6 = true
		ip := n.IP.To16()
		if ip == nil {
			return Event{}, false
		}
		copy(ev.AddrV6[:], ip)
	default:
		return Event{}, false
	}

	if len(n.HardwareAddr) == 6 {
		ev.HasMAC = true
		copy(ev.MAC[:], n.HardwareAddr)
	}

	return ev, true
}

func translateNUD(state int) NUDState {
	switch state {
	case netlink.NUD_INCOMPLETE:
		return NUDIncomplete
	case netlink.NUD_REACHABLE:
		return NUDReachable
	case netlink.NUD_STALE:
		return NUDStale
	case netlink.NUD_DELAY:
		return NUDDelay
	case netlink.NUD_PROBE:
		return NUDProbe
	case netlink.NUD_FAILED:
		return NUDFailed
	case netlink.NUD_PERMANENT:
		return NUDPermanent
	default:
		return NUDNone
	}
}

// netlink.NeighUpdate.Type carries the raw rtnetlink message type, not
// exported as named constants by the library beyond RTM_NEWNEIGH/DELNEIGH.
const (
	unixRTMNewNeigh = 28
	unixRTMDelNeigh = 29
)
