package sfu

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	sfuconfig "github.com/voicetyped/sfu-core/internal/sfu/config"
	sfrtp "github.com/voicetyped/sfu-core/internal/sfu/rtp"
	"github.com/voicetyped/sfu-core/internal/sfu/sfuerrors"
	"github.com/voicetyped/sfu-core/internal/sfu/signaling"
	"github.com/voicetyped/sfu-core/internal/sfu/transport"
)

func newTestSFU() *SFU {
	return New(sfuconfig.Config{})
}

func buildAudioPacket(seq uint16) []byte {
	pkt := &sfrtp.Packet{
		Header: sfrtp.Header{
			Version:        2,
			Marker:         true,
			PayloadType:    111,
			SequenceNumber: seq,
			Timestamp:      960 * uint32(seq),
			SSRC:           0xA001,
		},
		Payload: []byte{0x01, 0x02, 0x03},
	}
	return sfrtp.Serialize(pkt)
}

func TestHandleSessionInit(t *testing.T) {
	s := newTestSFU()
	sess := transport.NewMemorySession([]byte("a"))
	sessionID := s.Registry.CreateSession(sess.RemoteID(), sess)

	raw, err := signaling.Encode(signaling.TypeSessionInit, signaling.SessionInit{ClientVersion: "1.0"})
	if err != nil {
		t.Fatal(err)
	}

	var buf bytes.Buffer
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := s.handleSignalingMessage(ctx, sessionID, sess, &buf, raw); err != nil {
		t.Fatal(err)
	}

	out, err := signaling.ReadMessage(&buf)
	if err != nil {
		t.Fatal(err)
	}
	typ, payload, err := signaling.Decode(out)
	if err != nil {
		t.Fatal(err)
	}
	if typ != signaling.TypeSessionAck {
		t.Fatalf("got %q", typ)
	}
	if payload.(signaling.SessionAck).SessionID != sessionID {
		t.Fatalf("session id mismatch")
	}
}

func TestPublishSubscribeForwardFlow(t *testing.T) {
	s := newTestSFU()
	pubSess := transport.NewMemorySession([]byte("pub"))
	subSess := transport.NewMemorySession([]byte("sub"))
	pubID := s.Registry.CreateSession(pubSess.RemoteID(), pubSess)
	subID := s.Registry.CreateSession(subSess.RemoteID(), subSess)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var pubBuf bytes.Buffer
	publishRaw, err := signaling.Encode(signaling.TypeTrackPublish, signaling.TrackPublish{
		Track: signaling.TrackDescriptor{Kind: "audio", CodecName: "opus"},
	})
	if err != nil {
		t.Fatal(err)
	}
	if err := s.handleSignalingMessage(ctx, pubID, pubSess, &pubBuf, publishRaw); err != nil {
		t.Fatal(err)
	}
	out, err := signaling.ReadMessage(&pubBuf)
	if err != nil {
		t.Fatal(err)
	}
	typ, payload, err := signaling.Decode(out)
	if err != nil {
		t.Fatal(err)
	}
	if typ != signaling.TypeTrackPublishAck {
		t.Fatalf("got %q", typ)
	}
	trackID := payload.(signaling.TrackPublishAck).TrackID

	var subBuf bytes.Buffer
	subscribeRaw, err := signaling.Encode(signaling.TypeTrackSubscribe, signaling.TrackSubscribe{
		PublisherID: pubID, TrackID: trackID,
	})
	if err != nil {
		t.Fatal(err)
	}
	if err := s.handleSignalingMessage(ctx, subID, subSess, &subBuf, subscribeRaw); err != nil {
		t.Fatal(err)
	}
	out2, err := signaling.ReadMessage(&subBuf)
	if err != nil {
		t.Fatal(err)
	}
	typ2, payload2, err := signaling.Decode(out2)
	if err != nil {
		t.Fatal(err)
	}
	if typ2 != signaling.TypeTrackSubscribeAck {
		t.Fatalf("got %q", typ2)
	}
	if payload2.(signaling.TrackSubscribeAck).TrackID != trackID {
		t.Fatal("track id mismatch in subscribe ack")
	}

	tracks, err := s.Registry.GetSubscribedTracks(subID)
	if err != nil || len(tracks) != 1 {
		t.Fatalf("expected 1 subscription, got %v err %v", tracks, err)
	}

	raw := buildAudioPacket(1)
	if err := s.Router.HandlePublisherPacket(trackID, raw); err != nil {
		t.Fatal(err)
	}

	q := s.Router.SubscriberQueueFor(subID, trackID)
	popCtx, popCancel := context.WithTimeout(context.Background(), time.Second)
	defer popCancel()
	got, err := q.Pop(popCtx)
	if err != nil {
		t.Fatalf("expected forwarded packet: %v", err)
	}
	if len(got) != len(raw) {
		t.Fatalf("forwarded packet length mismatch")
	}
}

func TestPublisherDisconnectNotifiesSubscribers(t *testing.T) {
	s := newTestSFU()
	pubSess := transport.NewMemorySession([]byte("pub"))
	subSess := transport.NewMemorySession([]byte("sub"))
	pubID := s.Registry.CreateSession(pubSess.RemoteID(), pubSess)
	subID := s.Registry.CreateSession(subSess.RemoteID(), subSess)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var pubBuf bytes.Buffer
	publishRaw, _ := signaling.Encode(signaling.TypeTrackPublish, signaling.TrackPublish{
		Track: signaling.TrackDescriptor{Kind: "audio", CodecName: "opus"},
	})
	if err := s.handleSignalingMessage(ctx, pubID, pubSess, &pubBuf, publishRaw); err != nil {
		t.Fatal(err)
	}
	out, _ := signaling.ReadMessage(&pubBuf)
	_, payload, _ := signaling.Decode(out)
	trackID := payload.(signaling.TrackPublishAck).TrackID

	var subBuf bytes.Buffer
	subscribeRaw, _ := signaling.Encode(signaling.TypeTrackSubscribe, signaling.TrackSubscribe{PublisherID: pubID, TrackID: trackID})
	if err := s.handleSignalingMessage(ctx, subID, subSess, &subBuf, subscribeRaw); err != nil {
		t.Fatal(err)
	}
	// Drain the subscribe ack, and the AvailableTracks announcement the
	// publish sent to the subscriber's signaling stream, so only the
	// disconnect notification remains there.
	if _, err := signaling.ReadMessage(&subBuf); err != nil {
		t.Fatalf("draining subscribe ack: %v", err)
	}
	if _, err := signaling.ReadMessage(subSess.SignalingStream()); err != nil {
		t.Fatalf("draining available tracks announcement: %v", err)
	}

	removed, err := s.Registry.RemoveSession(pubID)
	if err != nil {
		t.Fatalf("RemoveSession: %v", err)
	}
	s.notifyTracksRemoved(removed)

	notifyRaw, err := signaling.ReadMessage(subSess.SignalingStream())
	if err != nil {
		t.Fatalf("expected Error notification on subscriber's signaling stream: %v", err)
	}
	typ, notifyPayload, err := signaling.Decode(notifyRaw)
	if err != nil {
		t.Fatal(err)
	}
	if typ != signaling.TypeError {
		t.Fatalf("got %q, want %q", typ, signaling.TypeError)
	}
	errMsg := notifyPayload.(signaling.ErrorMessage)
	if errMsg.Code != signaling.CodeNotFound {
		t.Fatalf("got code %d, want %d", errMsg.Code, signaling.CodeNotFound)
	}
}

func TestTrackUnsubscribeClosesQueue(t *testing.T) {
	s := newTestSFU()
	pubSess := transport.NewMemorySession([]byte("pub"))
	subSess := transport.NewMemorySession([]byte("sub"))
	pubID := s.Registry.CreateSession(pubSess.RemoteID(), pubSess)
	subID := s.Registry.CreateSession(subSess.RemoteID(), subSess)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var pubBuf bytes.Buffer
	publishRaw, _ := signaling.Encode(signaling.TypeTrackPublish, signaling.TrackPublish{
		Track: signaling.TrackDescriptor{Kind: "audio", CodecName: "opus"},
	})
	if err := s.handleSignalingMessage(ctx, pubID, pubSess, &pubBuf, publishRaw); err != nil {
		t.Fatal(err)
	}
	out, _ := signaling.ReadMessage(&pubBuf)
	_, payload, _ := signaling.Decode(out)
	trackID := payload.(signaling.TrackPublishAck).TrackID

	var subBuf bytes.Buffer
	subscribeRaw, _ := signaling.Encode(signaling.TypeTrackSubscribe, signaling.TrackSubscribe{PublisherID: pubID, TrackID: trackID})
	if err := s.handleSignalingMessage(ctx, subID, subSess, &subBuf, subscribeRaw); err != nil {
		t.Fatal(err)
	}
	q := s.Router.SubscriberQueueFor(subID, trackID)

	var unsubBuf bytes.Buffer
	unsubscribeRaw, _ := signaling.Encode(signaling.TypeTrackUnsubscribe, signaling.TrackUnsubscribe{TrackID: trackID})
	if err := s.handleSignalingMessage(ctx, subID, subSess, &unsubBuf, unsubscribeRaw); err != nil {
		t.Fatal(err)
	}

	tracks, err := s.Registry.GetSubscribedTracks(subID)
	if err != nil {
		t.Fatal(err)
	}
	if len(tracks) != 0 {
		t.Fatalf("expected subscription removed, got %v", tracks)
	}

	popCtx, popCancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer popCancel()
	if _, err := q.Pop(popCtx); !errors.Is(err, sfuerrors.ErrSessionClosed) {
		t.Fatalf("expected closed queue after unsubscribe, got %v", err)
	}
}
