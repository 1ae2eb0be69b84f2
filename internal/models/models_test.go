package models

import (
	"encoding/json"
	"testing"
)

func TestSeverityRankOrdering(t *testing.T) {
	if !(SeverityLow.Rank() < SeverityMedium.Rank() && SeverityMedium.Rank() < SeverityHigh.Rank()) {
		t.Fatalf("severity ranks out of order: low=%d medium=%d high=%d",
			SeverityLow.Rank(), SeverityMedium.Rank(), SeverityHigh.Rank())
	}
	if Severity("bogus").Rank() >= SeverityLow.Rank() {
		t.Fatalf("unknown severity should rank below low")
	}
}

func TestVerdictRankOrdering(t *testing.T) {
	if !(VerdictBenign.Rank() < VerdictSuspicious.Rank() && VerdictSuspicious.Rank() < VerdictMalicious.Rank()) {
		t.Fatalf("verdict ranks out of order")
	}
}

func TestPacketDecodeIgnoresExtraFields(t *testing.T) {
	raw := `{"ts":1.5,"src_ip":"10.0.0.1","dst_ip":"10.0.0.2","proto":"tcp","src_port":1234,"dst_port":80,"size":60,"flags":"S","vlan":7,"capture_iface":"eth0"}`
	var p Packet
	if err := json.Unmarshal([]byte(raw), &p); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if p.SrcIP != "10.0.0.1" || p.DstPort != 80 || p.Size != 60 {
		t.Fatalf("unexpected packet: %+v", p)
	}
}

func TestNewIDMonotonicWithinProcess(t *testing.T) {
	prev := NewID()
	for i := 0; i < 100; i++ {
		next := NewID()
		if next <= prev {
			t.Fatalf("ids not increasing: %s then %s", prev, next)
		}
		prev = next
	}
}
