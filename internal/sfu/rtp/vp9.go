package rtp

import (
	"sort"

	"github.com/voicetyped/sfu-core/internal/sfu/sfuerrors"
)

// DefaultMTU is the default maximum RTP payload size (including the 1-byte
// VP9 descriptor) a packetizer will emit per packet.
const DefaultMTU = 1200

const (
	vp9DescStartBit = 0x80
	vp9DescEndBit   = 0x40
)

// VP9Packetizer fragments a frame into MTU-sized packets. Each payload is
// prefixed with a 1-byte descriptor: the high bit marks start-of-frame, the
// next bit marks end-of-frame. All fragments of one frame share the RTP
// timestamp; the marker bit is set only on the last fragment.
type VP9Packetizer struct {
	payloadType uint8
	ssrc        uint32
	seq         uint16
	mtu         int
}

// NewVP9Packetizer constructs a packetizer. mtu == 0 selects DefaultMTU.
func NewVP9Packetizer(payloadType uint8, ssrc uint32, mtu int) *VP9Packetizer {
	if mtu <= 1 {
		mtu = DefaultMTU
	}
	return &VP9Packetizer{payloadType: payloadType, ssrc: ssrc, mtu: mtu}
}

func (p *VP9Packetizer) Packetize(frame []byte, timestamp uint32) ([]*Packet, error) {
	chunkSize := p.mtu - 1
	if chunkSize <= 0 {
		chunkSize = DefaultMTU - 1
	}

	n := len(frame)
	if n == 0 {
		return nil, nil
	}

	numFragments := (n + chunkSize - 1) / chunkSize
	packets := make([]*Packet, 0, numFragments)

	for i := 0; i < numFragments; i++ {
		start := i * chunkSize
		end := start + chunkSize
		if end > n {
			end = n
		}

		var desc byte
		isFirst := i == 0
		isLast := i == numFragments-1
		if isFirst {
			desc |= vp9DescStartBit
		}
		if isLast {
			desc |= vp9DescEndBit
		}

		payload := make([]byte, 0, 1+(end-start))
		payload = append(payload, desc)
		payload = append(payload, frame[start:end]...)

		pkt := &Packet{
			Header: Header{
				Version:        versionRTP,
				Marker:         isLast,
				PayloadType:    p.payloadType,
				SequenceNumber: p.seq,
				Timestamp:      timestamp,
				SSRC:           p.ssrc,
			},
			Payload: payload,
		}
		p.seq++
		packets = append(packets, pkt)
	}

	return packets, nil
}

// VP9Depacketizer accumulates fragments into a frame. The buffer is
// cleared whenever a packet with the start-of-frame bit set arrives, even
// mid-frame (a prior partial frame is dropped). Completion is decided by
// sequence span, not by packet arrival order: once an end/marker packet is
// seen, its sequence number fixes the frame's expected fragment count
// (end - start + 1), and the frame is only emitted once a fragment for
// every sequence number in that span has arrived. Fragments arriving after
// the start packet may come in any order. A non-start fragment that arrives
// while no frame is in progress, i.e. before its frame's start packet, is
// discarded, so that frame is not emitted. Packets more than 2^15 out of
// range of the frame's start are discarded.
type VP9Depacketizer struct {
	pending  []*Packet
	started  bool
	startSeq uint16
	haveEnd  bool
	endSeq   uint16
}

func NewVP9Depacketizer() *VP9Depacketizer {
	return &VP9Depacketizer{}
}

func (d *VP9Depacketizer) Process(pkt *Packet) ([]byte, error) {
	if len(pkt.Payload) < 1 {
		return nil, sfuerrors.Wrap(sfuerrors.Media, "vp9 payload missing descriptor", sfuerrors.ErrMalformedPacket)
	}
	desc := pkt.Payload[0]
	isStart := desc&vp9DescStartBit != 0
	isEnd := desc&vp9DescEndBit != 0

	if isStart {
		d.pending = d.pending[:0]
		d.started = true
		d.startSeq = pkt.Header.SequenceNumber
		d.haveEnd = false
	}

	if !d.started {
		// No frame in progress and this isn't a start packet: discard.
		return nil, nil
	}

	if len(d.pending) > 0 {
		first := d.pending[0]
		if dist := SeqDistance(first.Header.SequenceNumber, pkt.Header.SequenceNumber); dist >= 0x8000 || dist <= -0x8000 {
			return nil, nil
		}
	}

	d.pending = append(d.pending, pkt)

	if isEnd || pkt.Header.Marker {
		d.haveEnd = true
		d.endSeq = pkt.Header.SequenceNumber
	}

	if !d.haveEnd {
		return nil, nil
	}

	expected := int(d.endSeq-d.startSeq) + 1
	if len(d.pending) < expected {
		// The end fragment has arrived but earlier ones in the span
		// haven't; wait for them.
		return nil, nil
	}

	sort.Slice(d.pending, func(i, j int) bool {
		return SeqDistance(d.startSeq, d.pending[i].Header.SequenceNumber) <
			SeqDistance(d.startSeq, d.pending[j].Header.SequenceNumber)
	})

	total := 0
	for _, p := range d.pending {
		total += len(p.Payload) - 1
	}
	frame := make([]byte, 0, total)
	for _, p := range d.pending {
		frame = append(frame, p.Payload[1:]...)
	}

	d.pending = d.pending[:0]
	d.started = false
	d.haveEnd = false

	return frame, nil
}
