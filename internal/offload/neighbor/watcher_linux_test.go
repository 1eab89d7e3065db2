// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

//go:build linux

package neighbor

import (
	"net"
	"testing"

	"github.com/vishvananda/netlink"
)

func TestTranslateNUD(t *testing.T) {
	cases := map[int]NUDState{
		netlink.NUD_INCOMPLETE: NUDIncomplete,
		netlink.NUD_REACHABLE:  NUDReachable,
		netlink.NUD_STALE:      NUDStale,
		netlink.NUD_DELAY:      NUDDelay,
		netlink.NUD_PROBE:      NUDProbe,
		netlink.NUD_FAILED:     NUDFailed,
		netlink.NUD_PERMANENT:  NUDPermanent,
		0x9999:                 NUDNone,
	}
	for in, want := range cases {
		if got := translateNUD(in); got != want {
			t.Errorf("translateNUD(%d) = %v, want %v", in, got, want)
		}
	}
}

func TestTranslateNeighUpdateNewReachableV4(t *testing.T) {
	update := netlink.NeighUpdate{
		Type: unixRTMNewNeigh,
		Neigh: netlink.Neigh{
			LinkIndex:    7,
			Family:       netlink.FAMILY_V4,
			State:        netlink.NUD_REACHABLE,
			IP:           net.IPv4(192, 168, 1, 5),
			HardwareAddr: net.HardwareAddr{0x00, 0x11, 0x22, 0x33, 0x44, 0x55},
		},
	}

	ev, ok := translateNeighUpdate(update)
	if !ok {
		t.Fatalf("expected translation to succeed")
	}
	if ev.Op != OpNew {
		t.Errorf("Op = %v, want OpNew", ev.Op)
	}
	if ev.IfaceIndex != 7 {
		t.Errorf("IfaceIndex = %d, want 7", ev.IfaceIndex)
	}
	if ev.IsIPv6 {
		t.Errorf("IsIPv6 = true, want false")
	}
	if ev.NUD != NUDReachable {
		t.Errorf("NUD = %v, want NUDReachable", ev.NUD)
	}
	if !ev.HasMAC {
		t.Errorf("HasMAC = false, want true")
	}
	want := [4]byte{192, 168, 1, 5}
	if ev.AddrV4 != want {
		t.Errorf("AddrV4 = %v, want %v", ev.AddrV4, want)
	}
}

func TestTranslateNeighUpdateDelBecomesFailedOnFailedNUD(t *testing.T) {
	update := netlink.NeighUpdate{
		Type: unixRTMDelNeigh,
		Neigh: netlink.Neigh{
			LinkIndex: 3,
			Family:    netlink.FAMILY_V4,
			State:     netlink.NUD_FAILED,
			IP:        net.IPv4(10, 0, 0, 1),
		},
	}

	ev, ok := translateNeighUpdate(update)
	if !ok {
		t.Fatalf("expected translation to succeed")
	}
	if ev.Op != OpFailed {
		t.Errorf("Op = %v, want OpFailed (NUD_FAILED overrides RTM_DELNEIGH)", ev.Op)
	}
}

func TestTranslateNeighUpdateIPv6(t *testing.T) {
	update := netlink.NeighUpdate{
		Type: unixRTMNewNeigh,
		Neigh: netlink.Neigh{
			LinkIndex: 2,
			Family:    netlink.FAMILY_V6,
			State:     netlink.NUD_STALE,
			IP:        net.ParseIP("2001:db8::1"),
		},
	}

	ev, ok := translateNeighUpdate(update)
	if !ok {
		t.Fatalf("expected translation to succeed")
	}
	if !ev.IsIPv6 {
		t.Errorf("IsIPv6 = false, want true")
	}
	var zero [16]byte
	if ev.AddrV6 == zero {
		t.Errorf("AddrV6 was not populated")
	}
}

func TestTranslateNeighUpdateUnknownFamilyRejected(t *testing.T) {
	update := netlink.NeighUpdate{
		Type: unixRTMNewNeigh,
		Neigh: netlink.Neigh{
			LinkIndex: 1,
			Family:    99,
			IP:        net.IPv4(1, 2, 3, 4),
		},
	}

	if _, ok := translateNeighUpdate(update); ok {
		t.Errorf("expected unknown family to be rejected")
	}
}

func TestTranslateNeighUpdateUnknownTypeRejected(t *testing.T) {
	update := netlink.NeighUpdate{
		Type: 0,
		Neigh: netlink.Neigh{
			LinkIndex: 1,
			Family:    netlink.FAMILY_V4,
			IP:        net.IPv4(1, 2, 3, 4),
		},
	}

	if _, ok := translateNeighUpdate(update); ok {
		t.Errorf("expected unrecognized rtnetlink message type to be rejected")
	}
}
