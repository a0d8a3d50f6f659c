// Package sfu composes the Session Registry, Bandwidth Estimator,
// Simulcast Layer Selector, and Media Router into the Selective Forwarding
// Unit itself, and drives the per-participant task tree: a signaling pump,
// a feedback pump, an inactivity watchdog, one ingress pump per published
// track, and one egress pump per subscription.
package sfu

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/rs/xid"
	"golang.org/x/sync/errgroup"

	"github.com/voicetyped/sfu-core/internal/sfu/bandwidth"
	sfuconfig "github.com/voicetyped/sfu-core/internal/sfu/config"
	"github.com/voicetyped/sfu-core/internal/sfu/feedback"
	"github.com/voicetyped/sfu-core/internal/sfu/registry"
	"github.com/voicetyped/sfu-core/internal/sfu/router"
	"github.com/voicetyped/sfu-core/internal/sfu/rtp"
	"github.com/voicetyped/sfu-core/internal/sfu/sfuerrors"
	"github.com/voicetyped/sfu-core/internal/sfu/signaling"
	"github.com/voicetyped/sfu-core/internal/sfu/simulcast"
	"github.com/voicetyped/sfu-core/internal/sfu/transport"
)

// SFU owns every core component and the process-wide configuration.
type SFU struct {
	Config    sfuconfig.Config
	Registry  *registry.Registry
	Bandwidth *bandwidth.Estimator
	Simulcast *simulcast.Manager
	Router    *router.Router
	Logger    *slog.Logger
}

// New constructs an SFU from cfg, wiring the simulcast manager's PLI
// callback to relay toward the publisher over the feedback channel.
func New(cfg sfuconfig.Config) *SFU {
	reg := registry.New()
	bw := bandwidth.New(cfg.BandwidthWindow())
	sim := simulcast.NewManager()
	r := router.New(reg, sim, bw)
	if cfg.OutboundQueueDepth > 0 {
		r.QueueCapacity = cfg.OutboundQueueDepth
	}

	s := &SFU{
		Config:    cfg,
		Registry:  reg,
		Bandwidth: bw,
		Simulcast: sim,
		Router:    r,
		Logger:    slog.Default(),
	}
	sim.OnPLI = s.forwardPLI
	return s
}

// Serve accepts sessions from ln until ctx is cancelled or Accept returns a
// non-context error; the caller decides whether such an error is fatal or
// should be retried.
func (s *SFU) Serve(ctx context.Context, ln transport.Listener) error {
	for {
		sess, err := ln.Accept(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return sfuerrors.Wrap(sfuerrors.Transport, "accept session", err)
		}
		go s.handleSession(ctx, sess)
	}
}

// handleSession runs one participant's task tree until the session closes,
// the process shuts down, or an unrecoverable task error occurs.
func (s *SFU) handleSession(ctx context.Context, sess transport.Session) {
	sessionCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	remoteID := sess.RemoteID()
	if len(remoteID) == 0 {
		remoteID = xid.New().Bytes()
	}
	sessionID := s.Registry.CreateSession(remoteID, sess)
	logger := s.Logger.With("session", sessionID)
	logger.Info("session established")

	defer func() {
		removed, _ := s.Registry.RemoveSession(sessionID)
		s.notifyTracksRemoved(removed)
		_ = sess.Close()
		logger.Info("session closed")
	}()

	go func() {
		select {
		case <-sess.Closed():
			cancel()
		case <-sessionCtx.Done():
		}
	}()

	g, gctx := errgroup.WithContext(sessionCtx)
	g.Go(func() error { return s.pumpSignaling(gctx, sessionID, sess) })
	g.Go(func() error { return s.pumpFeedback(gctx, sessionID, sess) })
	g.Go(func() error { return s.watchInactivity(gctx, sessionID) })

	if err := g.Wait(); err != nil && sessionCtx.Err() == nil {
		logger.Warn("session task tree exited with error", "err", err)
	}
}

// watchInactivity aborts the session once LastActivity is older than the
// configured timeout.
func (s *SFU) watchInactivity(ctx context.Context, sessionID int64) error {
	timeout := s.Config.InactivityTimeout()
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	ticker := time.NewTicker(timeout / 4)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			p, err := s.Registry.GetParticipant(sessionID)
			if err != nil {
				return nil
			}
			if time.Since(p.LastActivity()) > timeout {
				return sfuerrors.New(sfuerrors.Session, "inactivity timeout")
			}
		}
	}
}

// pumpSignaling reads length-prefixed signaling messages until the stream
// closes or the session is cancelled, dispatching each to
// handleSignalingMessage and reporting failures back over the same stream
// as an Error message.
func (s *SFU) pumpSignaling(ctx context.Context, sessionID int64, sess transport.Session) error {
	stream := sess.SignalingStream()
	for {
		if ctx.Err() != nil {
			return nil
		}
		raw, err := signaling.ReadMessage(stream)
		if err != nil {
			if err == io.EOF {
				return nil
			}
			return sfuerrors.Wrap(sfuerrors.Signaling, "read signaling message", err)
		}
		s.Registry.Touch(sessionID)

		if err := s.handleSignalingMessage(ctx, sessionID, sess, stream, raw); err != nil {
			s.Logger.Warn("signaling message failed", "session", sessionID, "err", err)
			if sfuerrors.Is(err, sfuerrors.Signaling) {
				return err // protocol violation: close the stream
			}
			errMsg, encErr := signaling.Encode(signaling.TypeError, signaling.ErrorMessage{
				Code:    sfuerrors.CodeOf(err),
				Kind:    string(sfuerrors.KindOf(err)),
				Message: err.Error(),
			})
			if encErr == nil {
				_ = signaling.WriteMessage(stream, errMsg)
			}
		}
	}
}

func (s *SFU) handleSignalingMessage(ctx context.Context, sessionID int64, sess transport.Session, stream io.Writer, raw []byte) error {
	typ, payload, err := signaling.Decode(raw)
	if err != nil {
		return sfuerrors.Wrap(sfuerrors.Signaling, "decode", sfuerrors.ErrProtocolViolation)
	}

	switch typ {
	case signaling.TypeSessionInit:
		ack, err := signaling.Encode(signaling.TypeSessionAck, signaling.SessionAck{SessionID: sessionID})
		if err != nil {
			return sfuerrors.Wrap(sfuerrors.Signaling, "encode session ack", sfuerrors.ErrSerialization)
		}
		return signaling.WriteMessage(stream, ack)

	case signaling.TypeTrackPublish:
		msg := payload.(signaling.TrackPublish)
		return s.handleTrackPublish(ctx, sessionID, sess, stream, msg)

	case signaling.TypeTrackSubscribe:
		msg := payload.(signaling.TrackSubscribe)
		return s.handleTrackSubscribe(ctx, sessionID, stream, msg)

	case signaling.TypeTrackUnsubscribe:
		msg := payload.(signaling.TrackUnsubscribe)
		_ = s.Registry.UnregisterSubscribedTrack(sessionID, msg.TrackID)
		s.Router.RemoveSubscriberQueue(sessionID, msg.TrackID)
		ack, err := signaling.Encode(signaling.TypeTrackUnsubscribeAck, signaling.TrackUnsubscribeAck{TrackID: msg.TrackID})
		if err != nil {
			return sfuerrors.Wrap(sfuerrors.Signaling, "encode unsubscribe ack", sfuerrors.ErrSerialization)
		}
		return signaling.WriteMessage(stream, ack)

	default:
		return sfuerrors.Wrap(sfuerrors.Signaling, string(typ), sfuerrors.ErrProtocolViolation)
	}
}

func (s *SFU) handleTrackPublish(ctx context.Context, sessionID int64, sess transport.Session, stream io.Writer, msg signaling.TrackPublish) error {
	trackID, err := s.Registry.RegisterPublishedTrack(sessionID, msg.Track.ToRegistryDescriptor())
	if err != nil {
		return err
	}

	if msg.Track.Simulcast != nil {
		s.Simulcast.RegisterTrack(trackID, simulcast.Config{
			SpatialLayers:  msg.Track.Simulcast.SpatialLayers,
			TemporalLayers: msg.Track.Simulcast.TemporalLayers,
			BaseBitrate:    msg.Track.Simulcast.BaseBitrate,
			SpatialScale:   msg.Track.Simulcast.SpatialScale,
			TemporalScale:  msg.Track.Simulcast.TemporalScale,
		})
	}

	flow, err := sess.NewReceiveFlow()
	if err != nil {
		return sfuerrors.Wrap(sfuerrors.Transport, "open ingress flow", err)
	}
	go func() {
		if err := s.pumpIngress(ctx, trackID, flow); err != nil {
			s.Logger.Warn("ingress pump exited", "track", trackID, "err", err)
		}
	}()

	s.broadcastAvailableTrack(sessionID, trackID, msg.Track)

	ack, err := signaling.Encode(signaling.TypeTrackPublishAck, signaling.TrackPublishAck{TrackID: trackID})
	if err != nil {
		return sfuerrors.Wrap(sfuerrors.Signaling, "encode publish ack", sfuerrors.ErrSerialization)
	}
	return signaling.WriteMessage(stream, ack)
}

func (s *SFU) handleTrackSubscribe(ctx context.Context, sessionID int64, stream io.Writer, msg signaling.TrackSubscribe) error {
	if err := s.Registry.RegisterSubscribedTrack(sessionID, msg.PublisherID, msg.TrackID); err != nil {
		return err
	}

	track, err := s.Registry.GetTrack(msg.TrackID)
	if err != nil {
		return err
	}
	subscriber, err := s.Registry.GetParticipant(sessionID)
	if err != nil {
		return err
	}

	sendFlow, err := subscriber.Transport.NewSendFlow()
	if err != nil {
		return sfuerrors.Wrap(sfuerrors.Transport, "open egress flow", err)
	}
	q := s.Router.SubscriberQueueFor(sessionID, msg.TrackID)
	go s.pumpEgress(ctx, q, sendFlow)

	if track.Simulcast != nil {
		go s.Router.RunAdapter(ctx, msg.TrackID, sessionID)
	}

	ack, err := signaling.Encode(signaling.TypeTrackSubscribeAck, signaling.TrackSubscribeAck{
		TrackID: msg.TrackID,
		Track:   trackDescriptorFromRegistry(track),
	})
	if err != nil {
		return sfuerrors.Wrap(sfuerrors.Signaling, "encode subscribe ack", sfuerrors.ErrSerialization)
	}
	return signaling.WriteMessage(stream, ack)
}

// pumpIngress reads raw RTP datagrams from one published track's flow into
// a bounded ingress jitter buffer, then drains that buffer on a second
// stage that lazily discovers the SSRC-to-layer mapping for simulcast
// tracks (the wire protocol announces layer structure, not per-SSRC
// assignment, so the router learns it from arrival order the first time
// each SSRC appears) and feeds every packet through the router's
// forwarding decision. Splitting read from forwarding this way means a
// slow forwarding decision never stalls the flow's own read loop.
func (s *SFU) pumpIngress(ctx context.Context, trackID int64, flow transport.RecvFlow) error {
	defer flow.Close()

	track, err := s.Registry.GetTrack(trackID)
	if err != nil {
		return err
	}

	var layers []simulcast.Layer
	seen := make(map[uint32]bool)
	if track.Simulcast != nil {
		layers = s.Simulcast.AvailableLayers(trackID)
	}

	buf := router.NewIngressBuffer(0)
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		for {
			raw, err := flow.Read(gctx)
			if err != nil {
				if gctx.Err() != nil {
					return nil
				}
				return sfuerrors.Wrap(sfuerrors.Transport, "ingress read", err)
			}
			if !buf.Push(raw) {
				s.Logger.Warn("ingress buffer full, dropping packet", "track", trackID)
			}
		}
	})

	g.Go(func() error {
		for {
			raw, err := buf.Pop(gctx)
			if err != nil {
				if gctx.Err() != nil {
					return nil
				}
				return err
			}

			if track.Simulcast != nil {
				if pkt, perr := rtp.Parse(raw); perr == nil {
					if !seen[pkt.Header.SSRC] && len(seen) < len(layers) {
						layerID := layers[len(seen)].LayerID
						seen[pkt.Header.SSRC] = true
						s.Router.RegisterLayerSSRC(trackID, layerID, pkt.Header.SSRC)
					}
				}
			}

			if err := s.Router.HandlePublisherPacket(trackID, raw); err != nil {
				s.Logger.Warn("dropped malformed packet", "track", trackID, "err", err)
			}
		}
	})

	return g.Wait()
}

func (s *SFU) pumpEgress(ctx context.Context, q *router.SubscriberQueue, flow transport.SendFlow) {
	defer flow.Close()
	for {
		pkt, err := q.Pop(ctx)
		if err != nil {
			return
		}
		if err := flow.Write(pkt); err != nil {
			s.Logger.Warn("egress write failed", "err", err)
			return
		}
	}
}

// pumpFeedback reads length-prefixed feedback messages, folding bandwidth
// estimates into the estimator and relaying subscriber-originated PLIs to
// the publisher.
func (s *SFU) pumpFeedback(ctx context.Context, sessionID int64, sess transport.Session) error {
	stream := sess.FeedbackStream()
	for {
		if ctx.Err() != nil {
			return nil
		}
		raw, err := signaling.ReadMessage(stream)
		if err != nil {
			if err == io.EOF {
				return nil
			}
			return sfuerrors.Wrap(sfuerrors.Signaling, "read feedback message", err)
		}
		s.Registry.Touch(sessionID)

		typ, payload, err := feedback.Decode(raw)
		if err != nil {
			s.Logger.Warn("malformed feedback message", "session", sessionID, "err", err)
			continue
		}

		switch typ {
		case feedback.TypeBandwidthEstimation:
			msg := payload.(feedback.BandwidthEstimation)
			s.Bandwidth.UpdateBandwidth(sessionID, msg.Bps, bandwidth.Upload)
		case feedback.TypePictureLossIndication:
			msg := payload.(feedback.PictureLossIndication)
			s.forwardPLI(msg.Track)
		case feedback.TypeReceiverReport, feedback.TypeSenderReport, feedback.TypeSimulcastControl:
			// Folded into the activity touch above; no further action in
			// this implementation.
		}
	}
}

// forwardPLI relays a picture-loss indication to trackID's publisher, used
// both for subscriber-originated PLIs and the simulcast manager's
// stalled-upgrade callback. The RTCP PictureLossIndication packet is built
// and marshaled against the track's most recently observed SSRC and
// carried alongside the JSON envelope.
func (s *SFU) forwardPLI(trackID int64) {
	track, err := s.Registry.GetTrack(trackID)
	if err != nil {
		return
	}
	publisher, err := s.Registry.GetParticipant(track.PublisherID)
	if err != nil {
		return
	}

	rtcpBytes, err := feedback.MarshalPLI(s.Router.PrimarySSRC(trackID))
	if err != nil {
		s.Logger.Warn("failed to marshal PLI", "track", trackID, "err", err)
		return
	}

	msg, err := feedback.Encode(feedback.TypePictureLossIndication, feedback.PictureLossIndication{
		Session: track.PublisherID,
		Track:   trackID,
		RTCP:    rtcpBytes,
	})
	if err != nil {
		return
	}
	if err := signaling.WriteMessage(publisher.Transport.FeedbackStream(), msg); err != nil {
		s.Logger.Warn("failed to relay PLI", "track", trackID, "err", err)
	}
}

// notifyTracksRemoved tells each affected subscriber, over its own
// signaling stream, that a track it was subscribed to is gone: an
// Error{code=404} naming the vanished track.
func (s *SFU) notifyTracksRemoved(removed []registry.RemovedSubscription) {
	for _, rs := range removed {
		subscriber, err := s.Registry.GetParticipant(rs.SubscriberID)
		if err != nil {
			continue
		}
		msg, err := signaling.Encode(signaling.TypeError, signaling.ErrorMessage{
			Code:    signaling.CodeNotFound,
			Kind:    string(sfuerrors.Media),
			Message: fmt.Sprintf("track %d unavailable: publisher disconnected", rs.TrackID),
		})
		if err != nil {
			continue
		}
		if err := signaling.WriteMessage(subscriber.Transport.SignalingStream(), msg); err != nil {
			s.Logger.Warn("failed to notify track removed", "session", rs.SubscriberID, "track", rs.TrackID, "err", err)
		}
	}
}

func (s *SFU) broadcastAvailableTrack(publisherID, trackID int64, desc signaling.TrackDescriptor) {
	for _, sid := range s.Registry.GetAllSessions() {
		if sid == publisherID {
			continue
		}
		p, err := s.Registry.GetParticipant(sid)
		if err != nil {
			continue
		}
		msg, err := signaling.Encode(signaling.TypeAvailableTracks, signaling.AvailableTracks{
			Tracks: []signaling.AvailableTrack{{PublisherID: publisherID, TrackID: trackID, Track: desc}},
		})
		if err != nil {
			continue
		}
		if err := signaling.WriteMessage(p.Transport.SignalingStream(), msg); err != nil {
			s.Logger.Warn("failed to notify available track", "session", sid, "err", err)
		}
	}
}

func trackDescriptorFromRegistry(t *registry.PublishedTrack) signaling.TrackDescriptor {
	kind := "audio"
	if t.Kind == registry.KindVideo {
		kind = "video"
	}
	d := signaling.TrackDescriptor{Kind: kind, CodecName: t.Codec.Name}
	if t.Simulcast != nil {
		d.Simulcast = &signaling.SimulcastDescriptor{
			SpatialLayers:  t.Simulcast.SpatialLayers,
			TemporalLayers: t.Simulcast.TemporalLayers,
			BaseBitrate:    t.Simulcast.BaseBitrate,
			SpatialScale:   t.Simulcast.SpatialScale,
			TemporalScale:  t.Simulcast.TemporalScale,
		}
	}
	return d
}
