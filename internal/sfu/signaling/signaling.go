// Package signaling implements the length-prefixed JSON signaling protocol:
// session setup, track publish/subscribe/unsubscribe, track discovery, and
// error reporting between a participant and the router.
package signaling

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"

	"github.com/voicetyped/sfu-core/internal/sfu/registry"
)

// MaxMessageSize bounds a single signaling message to guard against a
// malformed or hostile length prefix.
const MaxMessageSize = 1 << 20 // 1 MiB

// Type discriminates the signaling message union on the wire.
type Type string

const (
	TypeSessionInit         Type = "SessionInit"
	TypeSessionAck           Type = "SessionAck"
	TypeTrackPublish         Type = "TrackPublish"
	TypeTrackPublishAck      Type = "TrackPublishAck"
	TypeTrackSubscribe       Type = "TrackSubscribe"
	TypeTrackSubscribeAck    Type = "TrackSubscribeAck"
	TypeTrackUnsubscribe     Type = "TrackUnsubscribe"
	TypeTrackUnsubscribeAck  Type = "TrackUnsubscribeAck"
	TypeAvailableTracks      Type = "AvailableTracks"
	TypeError                Type = "Error"
)

// Envelope is the JSON-on-the-wire shape, mirroring the feedback package's
// tagged-union framing.
type Envelope struct {
	Type    Type            `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

type SessionInit struct {
	ClientVersion string `json:"client_version"`
}

type SessionAck struct {
	SessionID int64 `json:"session_id"`
}

type TrackDescriptor struct {
	Kind      string             `json:"kind"`
	CodecName string             `json:"codec_name"`
	Simulcast *SimulcastDescriptor `json:"simulcast,omitempty"`
}

type SimulcastDescriptor struct {
	SpatialLayers  uint8   `json:"spatial_layers"`
	TemporalLayers uint8   `json:"temporal_layers"`
	BaseBitrate    uint32  `json:"base_bitrate"`
	SpatialScale   float64 `json:"spatial_scale"`
	TemporalScale  float64 `json:"temporal_scale"`
}

func (d TrackDescriptor) toRegistry() registry.TrackDescriptor {
	kind := registry.KindAudio
	if d.Kind == "video" {
		kind = registry.KindVideo
	}
	rd := registry.TrackDescriptor{
		Kind:  kind,
		Codec: registry.CodecDescriptor{Name: d.CodecName},
	}
	if d.Simulcast != nil {
		rd.Simulcast = &registry.SimulcastDescriptor{
			SpatialLayers:  d.Simulcast.SpatialLayers,
			TemporalLayers: d.Simulcast.TemporalLayers,
			BaseBitrate:    d.Simulcast.BaseBitrate,
			SpatialScale:   d.Simulcast.SpatialScale,
			TemporalScale:  d.Simulcast.TemporalScale,
		}
	}
	return rd
}

// ToRegistryDescriptor exposes the conversion for callers (the SFU's
// signaling handler) that need a registry.TrackDescriptor from a wire
// TrackDescriptor.
func (d TrackDescriptor) ToRegistryDescriptor() registry.TrackDescriptor {
	return d.toRegistry()
}

type TrackPublish struct {
	Track TrackDescriptor `json:"track"`
}

type TrackPublishAck struct {
	TrackID int64 `json:"track_id"`
}

type TrackSubscribe struct {
	PublisherID int64 `json:"publisher_id"`
	TrackID     int64 `json:"track_id"`
}

type TrackSubscribeAck struct {
	TrackID int64           `json:"track_id"`
	Track   TrackDescriptor `json:"track"`
}

type TrackUnsubscribe struct {
	TrackID int64 `json:"track_id"`
}

type TrackUnsubscribeAck struct {
	TrackID int64 `json:"track_id"`
}

type AvailableTrack struct {
	PublisherID int64           `json:"publisher_id"`
	TrackID     int64           `json:"track_id"`
	Track       TrackDescriptor `json:"track"`
}

type AvailableTracks struct {
	Tracks []AvailableTrack `json:"tracks"`
}

type ErrorMessage struct {
	Code    int    `json:"code"`
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

// Well-known Error codes, named after the HTTP statuses they mirror.
const (
	CodeNotFound = 404
)

// Encode marshals a typed payload into a tagged envelope.
func Encode(t Type, payload any) ([]byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("signaling: marshal payload: %w", err)
	}
	return json.Marshal(Envelope{Type: t, Payload: raw})
}

// Decode unmarshals an envelope and dispatches to its typed payload.
func Decode(data []byte) (Type, any, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return "", nil, fmt.Errorf("signaling: unmarshal envelope: %w", err)
	}

	switch env.Type {
	case TypeSessionInit:
		var m SessionInit
		err := json.Unmarshal(env.Payload, &m)
		return env.Type, m, err
	case TypeSessionAck:
		var m SessionAck
		err := json.Unmarshal(env.Payload, &m)
		return env.Type, m, err
	case TypeTrackPublish:
		var m TrackPublish
		err := json.Unmarshal(env.Payload, &m)
		return env.Type, m, err
	case TypeTrackPublishAck:
		var m TrackPublishAck
		err := json.Unmarshal(env.Payload, &m)
		return env.Type, m, err
	case TypeTrackSubscribe:
		var m TrackSubscribe
		err := json.Unmarshal(env.Payload, &m)
		return env.Type, m, err
	case TypeTrackSubscribeAck:
		var m TrackSubscribeAck
		err := json.Unmarshal(env.Payload, &m)
		return env.Type, m, err
	case TypeTrackUnsubscribe:
		var m TrackUnsubscribe
		err := json.Unmarshal(env.Payload, &m)
		return env.Type, m, err
	case TypeTrackUnsubscribeAck:
		var m TrackUnsubscribeAck
		err := json.Unmarshal(env.Payload, &m)
		return env.Type, m, err
	case TypeAvailableTracks:
		var m AvailableTracks
		err := json.Unmarshal(env.Payload, &m)
		return env.Type, m, err
	case TypeError:
		var m ErrorMessage
		err := json.Unmarshal(env.Payload, &m)
		return env.Type, m, err
	default:
		return env.Type, nil, fmt.Errorf("signaling: unknown type %q", env.Type)
	}
}

// WriteMessage frames payload with a 32-bit big-endian length prefix and
// writes it to w.
func WriteMessage(w io.Writer, payload []byte) error {
	var hdr [4]byte
	binary.BigEndian.PutUint32(hdr[:], uint32(len(payload)))
	if _, err := w.Write(hdr[:]); err != nil {
		return fmt.Errorf("signaling: write length prefix: %w", err)
	}
	if _, err := w.Write(payload); err != nil {
		return fmt.Errorf("signaling: write payload: %w", err)
	}
	return nil
}

// ReadMessage reads one length-prefixed message from r.
func ReadMessage(r io.Reader) ([]byte, error) {
	var hdr [4]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(hdr[:])
	if n > MaxMessageSize {
		return nil, fmt.Errorf("signaling: message of %d bytes exceeds limit %d", n, MaxMessageSize)
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, fmt.Errorf("signaling: read payload: %w", err)
	}
	return buf, nil
}
