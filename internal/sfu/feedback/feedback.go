// Package feedback implements the Feedback Channel: messages
// carrying receiver/sender reports, simulcast control, picture-loss
// indications, and bandwidth estimates between the transport and the
// router/bandwidth/simulcast components.
package feedback

import (
	"encoding/json"
	"fmt"

	"github.com/pion/rtcp"

	"github.com/voicetyped/sfu-core/internal/sfu/bandwidth"
	"github.com/voicetyped/sfu-core/internal/sfu/simulcast"
)

// Type discriminates the feedback message union on the wire.
type Type string

const (
	TypeReceiverReport      Type = "ReceiverReport"
	TypeSenderReport        Type = "SenderReport"
	TypeSimulcastControl    Type = "SimulcastControl"
	TypePictureLossIndication Type = "PictureLossIndication"
	TypeBandwidthEstimation Type = "BandwidthEstimation"
)

// Envelope is the JSON-on-the-wire shape: a discriminator plus a raw
// payload, the Go analogue of the source system's tagged enum.
type Envelope struct {
	Type    Type            `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

type ReceiverReport struct {
	Session         int64   `json:"session"`
	Track           int64   `json:"track"`
	PacketLossPct   float64 `json:"packet_loss_pct"`
	JitterMs        float64 `json:"jitter_ms"`
	RTTMs           float64 `json:"rtt_ms"`
	ReceivedBitrate uint32  `json:"received_bitrate"`
}

type SenderReport struct {
	Session     int64  `json:"session"`
	Track       int64  `json:"track"`
	PacketsSent uint64 `json:"packets_sent"`
	BytesSent   uint64 `json:"bytes_sent"`
	Bitrate     uint32 `json:"bitrate"`
}

// ControlKind discriminates the SimulcastControl sub-union.
type ControlKind string

const (
	ControlActivateLayers    ControlKind = "ActivateLayers"
	ControlLayerSwitched     ControlKind = "LayerSwitched"
	ControlLayerBitrateUpdate ControlKind = "LayerBitrateUpdate"
)

type SimulcastControl struct {
	Kind       ControlKind           `json:"kind"`
	Track      int64                 `json:"track"`
	SpatialID  uint8                 `json:"spatial_id,omitempty"`
	TemporalID uint8                 `json:"temporal_id,omitempty"`
	LayerID    simulcast.LayerID     `json:"layer_id,omitempty"`
	Bitrate    uint32                `json:"bitrate,omitempty"`
	Reason     simulcast.SwitchReason `json:"reason,omitempty"`
}

type PictureLossIndication struct {
	Session int64 `json:"session"`
	Track   int64 `json:"track"`

	// RTCP is the marshaled pion/rtcp PictureLossIndication packet built by
	// BuildPLI, carried alongside Session/Track so a wire-compatible RTCP
	// consumer can parse it directly instead of re-deriving it.
	RTCP []byte `json:"rtcp,omitempty"`
}

type BandwidthEstimation struct {
	Session int64            `json:"session"`
	Bps     uint32           `json:"bps"`
	Trend   bandwidth.Trend  `json:"-"`
	TrendS  string           `json:"trend"`
}

// Encode marshals a typed feedback payload into a length-unprefixed
// envelope. Framing (the 32-bit big-endian length prefix) is applied by
// the stream writer, mirroring the signaling package's wire format.
func Encode(t Type, payload any) ([]byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("feedback: marshal payload: %w", err)
	}
	return json.Marshal(Envelope{Type: t, Payload: raw})
}

// Decode unmarshals an envelope and dispatches to the correctly typed
// payload, returning it as `any` for the caller to type-switch on.
func Decode(data []byte) (Type, any, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return "", nil, fmt.Errorf("feedback: unmarshal envelope: %w", err)
	}

	switch env.Type {
	case TypeReceiverReport:
		var m ReceiverReport
		err := json.Unmarshal(env.Payload, &m)
		return env.Type, m, err
	case TypeSenderReport:
		var m SenderReport
		err := json.Unmarshal(env.Payload, &m)
		return env.Type, m, err
	case TypeSimulcastControl:
		var m SimulcastControl
		err := json.Unmarshal(env.Payload, &m)
		return env.Type, m, err
	case TypePictureLossIndication:
		var m PictureLossIndication
		err := json.Unmarshal(env.Payload, &m)
		return env.Type, m, err
	case TypeBandwidthEstimation:
		var m BandwidthEstimation
		err := json.Unmarshal(env.Payload, &m)
		return env.Type, m, err
	default:
		return env.Type, nil, fmt.Errorf("feedback: unknown type %q", env.Type)
	}
}

// BuildPLI constructs the RTCP PictureLossIndication packet sent toward
// the publisher when a simulcast upgrade stalls or a subscriber requests a
// key frame.
func BuildPLI(mediaSSRC uint32) *rtcp.PictureLossIndication {
	return &rtcp.PictureLossIndication{MediaSSRC: mediaSSRC}
}

// MarshalPLI builds and marshals a PictureLossIndication for mediaSSRC,
// the wire bytes embedded in a PictureLossIndication envelope's RTCP
// field.
func MarshalPLI(mediaSSRC uint32) ([]byte, error) {
	raw, err := BuildPLI(mediaSSRC).Marshal()
	if err != nil {
		return nil, fmt.Errorf("feedback: marshal PLI: %w", err)
	}
	return raw, nil
}
