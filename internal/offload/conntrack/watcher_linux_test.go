// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

//go:build linux

package conntrack

import (
	"net"
	"testing"

	tmconntrack "github.com/ti-mo/conntrack"

	"grimm.is/tetherd/internal/offload/types"
)

func tupleFixture(srcIP, dstIP string, proto uint8, srcPort, dstPort uint16) tmconntrack.Tuple {
	var tuple tmconntrack.Tuple
	tuple.IP.SourceAddress = net.ParseIP(srcIP)
	tuple.IP.DestinationAddress = net.ParseIP(dstIP)
	tuple.Proto.Protocol = proto
	tuple.Proto.SourcePort = srcPort
	tuple.Proto.DestinationPort = dstPort
	return tuple
}

func TestTranslateTupleTCP(t *testing.T) {
	tuple, ok := translateTuple(tupleFixture("192.168.1.10", "93.184.216.34", 6, 51000, 443))
	if !ok {
		t.Fatalf("expected translation to succeed")
	}
	if tuple.Proto != types.ProtoTCP {
		t.Errorf("Proto = %v, want ProtoTCP", tuple.Proto)
	}
	if tuple.Src.Port != 51000 || tuple.Dst.Port != 443 {
		t.Errorf("unexpected ports: src=%d dst=%d", tuple.Src.Port, tuple.Dst.Port)
	}
}

func TestTranslateTupleUDP(t *testing.T) {
	tuple, ok := translateTuple(tupleFixture("10.0.0.5", "8.8.8.8", 17, 5353, 53))
	if !ok {
		t.Fatalf("expected translation to succeed")
	}
	if tuple.Proto != types.ProtoUDP {
		t.Errorf("Proto = %v, want ProtoUDP", tuple.Proto)
	}
}

func TestTranslateTupleUnknownProtoRejected(t *testing.T) {
	if _, ok := translateTuple(tupleFixture("10.0.0.5", "8.8.8.8", 1, 0, 0)); ok {
		t.Errorf("expected ICMP (proto 1) to be rejected, no ProtoICMP case handled")
	}
}

func TestTranslateTupleNonIPv4Rejected(t *testing.T) {
	if _, ok := translateTuple(tupleFixture("2001:db8::1", "2001:db8::2", 6, 1, 2)); ok {
		t.Errorf("expected IPv6 tuple to be rejected by the IPv4-only translator")
	}
}

func TestTranslateEventNewAndDestroy(t *testing.T) {
	orig := tupleFixture("192.168.1.10", "93.184.216.34", 6, 51000, 443)
	reply := tupleFixture("93.184.216.34", "192.168.1.10", 6, 443, 51000)

	flow := &tmconntrack.Flow{TupleOrig: orig, TupleReply: reply, Timeout: 120}

	newEv, ok := translateEvent(tmconntrack.Event{Type: tmconntrack.EventNew, Flow: flow})
	if !ok {
		t.Fatalf("expected NEW translation to succeed")
	}
	if newEv.Kind != MsgNew {
		t.Errorf("Kind = %v, want MsgNew", newEv.Kind)
	}
	if newEv.TimeoutSeconds != 120 {
		t.Errorf("TimeoutSeconds = %d, want 120", newEv.TimeoutSeconds)
	}

	delEv, ok := translateEvent(tmconntrack.Event{Type: tmconntrack.EventDestroy, Flow: flow})
	if !ok {
		t.Fatalf("expected DESTROY translation to succeed")
	}
	if delEv.Kind != MsgDelete {
		t.Errorf("Kind = %v, want MsgDelete", delEv.Kind)
	}
}

func TestTranslateEventNilFlowRejected(t *testing.T) {
	if _, ok := translateEvent(tmconntrack.Event{Type: tmconntrack.EventNew, Flow: nil}); ok {
		t.Errorf("expected nil Flow to be rejected")
	}
}

func TestTranslateEventUnknownTypeRejected(t *testing.T) {
	flow := &tmconntrack.Flow{
		TupleOrig:  tupleFixture("10.0.0.1", "10.0.0.2", 6, 1, 2),
		TupleReply: tupleFixture("10.0.0.2", "10.0.0.1", 6, 2, 1),
	}
	if _, ok := translateEvent(tmconntrack.Event{Type: tmconntrack.EventUpdate, Flow: flow}); ok {
		t.Errorf("expected non-NEW/DESTROY event type to be rejected")
	}
}
