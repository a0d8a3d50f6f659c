package rtp

// OpusPacketizer emits one RTP packet per Opus frame: marker is always
// set, sequence increments by one per call (wrapping), timestamp is
// supplied by the caller.
type OpusPacketizer struct {
	payloadType uint8
	ssrc        uint32
	seq         uint16
}

func NewOpusPacketizer(payloadType uint8, ssrc uint32) *OpusPacketizer {
	return &OpusPacketizer{payloadType: payloadType, ssrc: ssrc}
}

func (p *OpusPacketizer) Packetize(payload []byte, timestamp uint32) ([]*Packet, error) {
	pkt := &Packet{
		Header: Header{
			Version:        versionRTP,
			Marker:         true,
			PayloadType:    p.payloadType,
			SequenceNumber: p.seq,
			Timestamp:      timestamp,
			SSRC:           p.ssrc,
		},
		Payload: payload,
	}
	p.seq++
	return []*Packet{pkt}, nil
}

// OpusDepacketizer treats every packet's payload as a complete frame.
type OpusDepacketizer struct{}

func (d *OpusDepacketizer) Process(pkt *Packet) ([]byte, error) {
	return pkt.Payload, nil
}
