// Package rtp implements RFC 3550 RTP header parsing/serialization and the
// codec-specific packetizers/depacketizers the SFU drives on the hot path.
//
// Parsing avoids copying the payload: Packet.Payload is a slice into the
// caller's input buffer. Callers that retain a Packet past the lifetime of
// that buffer must copy it themselves.
package rtp

import (
	"encoding/binary"

	"github.com/voicetyped/sfu-core/internal/sfu/sfuerrors"
)

const (
	minHeaderLen  = 12
	versionRTP    = 2
	extHeaderLen  = 4
)

// Extension holds an RTP header extension (RFC 3550 §5.3.1).
type Extension struct {
	Profile uint16
	Data    []byte // length is a multiple of 4 bytes
}

// Header is the fixed and variable RTP header fields.
type Header struct {
	Version        uint8
	Padding        bool
	Extension      bool
	CSRCCount      uint8
	Marker         bool
	PayloadType    uint8 // 7 bits
	SequenceNumber uint16
	Timestamp      uint32
	SSRC           uint32
	CSRC           []uint32
	Ext            *Extension
}

// Packet is a parsed RTP packet. Payload is a zero-copy slice of the
// buffer passed to Parse when feasible.
type Packet struct {
	Header  Header
	Payload []byte
}

// Parse decodes an RTP packet from buf per RFC 3550. It fails with
// ErrMalformedPacket if buf is shorter than the fixed header, or if the
// declared CSRC count / extension length exceeds the remaining bytes.
func Parse(buf []byte) (*Packet, error) {
	if len(buf) < minHeaderLen {
		return nil, sfuerrors.Wrap(sfuerrors.Media, "rtp header too short", sfuerrors.ErrMalformedPacket)
	}

	b0 := buf[0]
	b1 := buf[1]

	h := Header{
		Version:     b0 >> 6,
		Padding:     b0&0x20 != 0,
		Extension:   b0&0x10 != 0,
		CSRCCount:   b0 & 0x0F,
		Marker:      b1&0x80 != 0,
		PayloadType: b1 & 0x7F,
	}
	h.SequenceNumber = binary.BigEndian.Uint16(buf[2:4])
	h.Timestamp = binary.BigEndian.Uint32(buf[4:8])
	h.SSRC = binary.BigEndian.Uint32(buf[8:12])

	offset := minHeaderLen
	csrcBytes := int(h.CSRCCount) * 4
	if len(buf) < offset+csrcBytes {
		return nil, sfuerrors.Wrap(sfuerrors.Media, "rtp csrc list truncated", sfuerrors.ErrMalformedPacket)
	}
	if h.CSRCCount > 0 {
		h.CSRC = make([]uint32, h.CSRCCount)
		for i := 0; i < int(h.CSRCCount); i++ {
			h.CSRC[i] = binary.BigEndian.Uint32(buf[offset : offset+4])
			offset += 4
		}
	}

	if h.Extension {
		if len(buf) < offset+extHeaderLen {
			return nil, sfuerrors.Wrap(sfuerrors.Media, "rtp extension header truncated", sfuerrors.ErrMalformedPacket)
		}
		profile := binary.BigEndian.Uint16(buf[offset : offset+2])
		extWords := int(binary.BigEndian.Uint16(buf[offset+2 : offset+4]))
		offset += extHeaderLen
		extLen := extWords * 4
		if len(buf) < offset+extLen {
			return nil, sfuerrors.Wrap(sfuerrors.Media, "rtp extension data truncated", sfuerrors.ErrMalformedPacket)
		}
		h.Ext = &Extension{Profile: profile, Data: buf[offset : offset+extLen]}
		offset += extLen
	}

	return &Packet{Header: h, Payload: buf[offset:]}, nil
}

// Serialize encodes p per RFC 3550. The returned slice's length equals
// 12 + 4*csrc_count + (4 + ext_words*4 if extension) + len(payload).
func Serialize(p *Packet) []byte {
	h := p.Header
	size := minHeaderLen + len(h.CSRC)*4
	if h.Ext != nil {
		size += extHeaderLen + len(h.Ext.Data)
	}
	size += len(p.Payload)

	buf := make([]byte, size)

	version := h.Version
	if version == 0 {
		version = versionRTP
	}
	b0 := version << 6
	if h.Padding {
		b0 |= 0x20
	}
	hasExt := h.Ext != nil
	if hasExt {
		b0 |= 0x10
	}
	b0 |= uint8(len(h.CSRC)) & 0x0F
	buf[0] = b0

	b1 := h.PayloadType & 0x7F
	if h.Marker {
		b1 |= 0x80
	}
	buf[1] = b1

	binary.BigEndian.PutUint16(buf[2:4], h.SequenceNumber)
	binary.BigEndian.PutUint32(buf[4:8], h.Timestamp)
	binary.BigEndian.PutUint32(buf[8:12], h.SSRC)

	offset := minHeaderLen
	for _, c := range h.CSRC {
		binary.BigEndian.PutUint32(buf[offset:offset+4], c)
		offset += 4
	}

	if hasExt {
		binary.BigEndian.PutUint16(buf[offset:offset+2], h.Ext.Profile)
		binary.BigEndian.PutUint16(buf[offset+2:offset+4], uint16(len(h.Ext.Data)/4))
		offset += extHeaderLen
		copy(buf[offset:], h.Ext.Data)
		offset += len(h.Ext.Data)
	}

	copy(buf[offset:], p.Payload)

	return buf
}

// SeqFollows reports whether b follows a in RTP sequence-number order,
// tolerating 16-bit wraparound: b follows a iff (b-a) mod 2^16 is in
// [1, 2^15).
func SeqFollows(a, b uint16) bool {
	d := uint16(b - a)
	return d >= 1 && d < 0x8000
}

// SeqDistance returns the signed wraparound-aware distance b-a, in
// [-2^15, 2^15).
func SeqDistance(a, b uint16) int32 {
	d := int32(uint16(b - a))
	if d >= 0x8000 {
		d -= 0x10000
	}
	return d
}
