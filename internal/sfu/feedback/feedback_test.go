package feedback

import (
	"testing"

	"github.com/pion/rtcp"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	raw, err := Encode(TypeReceiverReport, ReceiverReport{
		Session: 1, Track: 2, PacketLossPct: 1.5, JitterMs: 3.2, RTTMs: 40, ReceivedBitrate: 900_000,
	})
	if err != nil {
		t.Fatal(err)
	}

	typ, payload, err := Decode(raw)
	if err != nil {
		t.Fatal(err)
	}
	if typ != TypeReceiverReport {
		t.Fatalf("got type %q", typ)
	}
	rr, ok := payload.(ReceiverReport)
	if !ok {
		t.Fatalf("wrong payload type %T", payload)
	}
	if rr.ReceivedBitrate != 900_000 {
		t.Errorf("received bitrate = %d", rr.ReceivedBitrate)
	}
}

func TestDecodeUnknownType(t *testing.T) {
	if _, _, err := Decode([]byte(`{"type":"Bogus","payload":{}}`)); err == nil {
		t.Fatal("expected error for unknown type")
	}
}

func TestBuildPLI(t *testing.T) {
	pli := BuildPLI(0xDEAD)
	if pli.MediaSSRC != 0xDEAD {
		t.Fatalf("MediaSSRC = %x, want %x", pli.MediaSSRC, 0xDEAD)
	}
}

func TestMarshalPLIRoundTripsThroughPionRTCP(t *testing.T) {
	raw, err := MarshalPLI(0xC0FFEE)
	if err != nil {
		t.Fatal(err)
	}

	pkts, err := rtcp.Unmarshal(raw)
	if err != nil {
		t.Fatalf("pion rtcp unmarshal: %v", err)
	}
	if len(pkts) != 1 {
		t.Fatalf("got %d packets, want 1", len(pkts))
	}
	pli, ok := pkts[0].(*rtcp.PictureLossIndication)
	if !ok {
		t.Fatalf("wrong packet type %T", pkts[0])
	}
	if pli.MediaSSRC != 0xC0FFEE {
		t.Errorf("MediaSSRC = %x, want %x", pli.MediaSSRC, 0xC0FFEE)
	}
}

func TestPictureLossIndicationEnvelopeCarriesRTCPBytes(t *testing.T) {
	rtcpBytes, err := MarshalPLI(7)
	if err != nil {
		t.Fatal(err)
	}

	raw, err := Encode(TypePictureLossIndication, PictureLossIndication{Session: 1, Track: 2, RTCP: rtcpBytes})
	if err != nil {
		t.Fatal(err)
	}

	typ, payload, err := Decode(raw)
	if err != nil {
		t.Fatal(err)
	}
	if typ != TypePictureLossIndication {
		t.Fatalf("got type %q", typ)
	}
	pli := payload.(PictureLossIndication)
	pkts, err := rtcp.Unmarshal(pli.RTCP)
	if err != nil {
		t.Fatalf("pion rtcp unmarshal of round-tripped envelope: %v", err)
	}
	if got := pkts[0].(*rtcp.PictureLossIndication).MediaSSRC; got != 7 {
		t.Errorf("MediaSSRC = %d, want 7", got)
	}
}
