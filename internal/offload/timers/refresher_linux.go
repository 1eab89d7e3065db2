// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

//go:build linux
// +build linux

package timers

import (
	"net"
	"time"

	"github.com/ti-mo/conntrack"

	"grimm.is/tetherd/internal/offload/types"
)

// NetlinkRefresher issues conntrack timeout updates over a netlink
// conntrack socket, grounded on github.com/ti-mo/conntrack.
type NetlinkRefresher struct {
	conn *conntrack.Conn
}

// DialNetlinkRefresher opens a conntrack netlink socket.
func DialNetlinkRefresher() (*NetlinkRefresher, error) {
	conn, err := conntrack.Dial(nil)
	if err != nil {
		return nil, err
	}
	return &NetlinkRefresher{conn: conn}, nil
}

// Close releases the underlying netlink socket.
func (r *NetlinkRefresher) Close() error {
	return r.conn.Close()
}

// RefreshTimeout implements the ConntrackRefresher interface.
func (r *NetlinkRefresher) RefreshTimeout(key types.Tether4Key, timeout time.Duration) error {
	proto := uint8(key.Proto)

	flow := conntrack.NewFlow(
		proto, 0,
		net.IP(key.SrcIPv4[:]), net.IP(key.DstIPv4[:]),
		key.SrcPort, key.DstPort,
		uint32(timeout/time.Second), 0,
	)
	return r.conn.Update(flow)
}
