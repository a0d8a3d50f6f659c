// Package registry implements the Session Registry: the single writable
// authority for the participant/publisher/subscriber subscription graph,
// enforcing its consistency invariants atomically with respect to
// concurrent signaling events.
//
// Locking follows a fixed acquire order: registry -> publisher ->
// subscriber. The registry's own mutex protects only insertion/removal
// from the top-level maps; attribute mutation on a Participant or
// PublishedTrack is protected by that record's own mutex, one RWMutex per
// map rather than a single global lock held for the duration of an
// operation.
package registry

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/voicetyped/sfu-core/internal/sfu/sfuerrors"
	"github.com/voicetyped/sfu-core/internal/sfu/transport"
)

// CodecDescriptor names a codec plus its negotiated parameters.
type CodecDescriptor struct {
	Name       string
	Parameters map[string]string
}

// TrackKind is audio or video.
type TrackKind string

const (
	KindAudio TrackKind = "audio"
	KindVideo TrackKind = "video"
)

// SimulcastDescriptor declares the layer structure of a published video
// track.
type SimulcastDescriptor struct {
	SpatialLayers  uint8
	TemporalLayers uint8
	BaseBitrate    uint32
	SpatialScale   float64
	TemporalScale  float64
}

// TrackDescriptor is supplied by Publish signaling to register a track.
type TrackDescriptor struct {
	Kind      TrackKind
	Codec     CodecDescriptor
	Simulcast *SimulcastDescriptor
}

// Participant is one connected client. Exclusively owned by the Registry;
// references held elsewhere are weak, by id lookup only.
type Participant struct {
	ID          int64
	RemoteID    []byte
	Transport   transport.Session
	CreatedAt   time.Time

	mu             sync.RWMutex
	publishedIDs   map[int64]struct{}
	subscribed     map[int64]*SubscribedTrack // keyed by track id
	lastActivity   time.Time
}

func (p *Participant) touch() {
	p.mu.Lock()
	p.lastActivity = time.Now()
	p.mu.Unlock()
}

// LastActivity returns the timestamp of the most recent ingress or
// feedback activity, used for the 60s inactivity eviction timeout.
func (p *Participant) LastActivity() time.Time {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.lastActivity
}

// PublishedTrackIDs returns a snapshot of this participant's published
// track ids.
func (p *Participant) PublishedTrackIDs() []int64 {
	p.mu.RLock()
	defer p.mu.RUnlock()
	ids := make([]int64, 0, len(p.publishedIDs))
	for id := range p.publishedIDs {
		ids = append(ids, id)
	}
	return ids
}

// SubscribedTracks returns a snapshot of this participant's subscriptions.
func (p *Participant) SubscribedTracks() []*SubscribedTrack {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]*SubscribedTrack, 0, len(p.subscribed))
	for _, s := range p.subscribed {
		out = append(out, s)
	}
	return out
}

// SubscribedTrack is a subscriber's back-reference to a (publisher, track)
// pair, plus per-subscription state.
type SubscribedTrack struct {
	PublisherID int64
	TrackID     int64

	mu                 sync.RWMutex
	SelectedLayerID    int
	LastKeyFrame       bool
	PendingLayerTarget int
	HasPendingTarget   bool
}

func (s *SubscribedTrack) SetSelectedLayer(layerID int) {
	s.mu.Lock()
	s.SelectedLayerID = layerID
	s.mu.Unlock()
}

func (s *SubscribedTrack) Selected() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.SelectedLayerID
}

// PublishedTrack is one published media track.
type PublishedTrack struct {
	ID          int64
	PublisherID int64
	Kind        TrackKind
	Codec       CodecDescriptor
	Simulcast   *SimulcastDescriptor

	mu             sync.RWMutex
	measuredBitrate uint32
	subscribers    map[int64]struct{}
}

// Subscribers returns a snapshot of the subscriber id set.
func (t *PublishedTrack) Subscribers() []int64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	ids := make([]int64, 0, len(t.subscribers))
	for id := range t.subscribers {
		ids = append(ids, id)
	}
	return ids
}

func (t *PublishedTrack) SetMeasuredBitrate(bps uint32) {
	t.mu.Lock()
	t.measuredBitrate = bps
	t.mu.Unlock()
}

func (t *PublishedTrack) MeasuredBitrate() uint32 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.measuredBitrate
}

// Registry owns the participant table and published-track table and
// enforces the graph's consistency invariants.
type Registry struct {
	mu           sync.RWMutex
	participants map[int64]*Participant
	tracks       map[int64]*PublishedTrack

	nextSessionID atomic.Int64
	nextTrackID   atomic.Int64
}

func New() *Registry {
	return &Registry{
		participants: make(map[int64]*Participant),
		tracks:       make(map[int64]*PublishedTrack),
	}
}

// CreateSession always succeeds, inserting a new Participant and returning
// its process-unique monotonic session id.
func (r *Registry) CreateSession(remoteID []byte, sess transport.Session) int64 {
	id := r.nextSessionID.Add(1)
	now := time.Now()
	p := &Participant{
		ID:           id,
		RemoteID:     remoteID,
		Transport:    sess,
		CreatedAt:    now,
		publishedIDs: make(map[int64]struct{}),
		subscribed:   make(map[int64]*SubscribedTrack),
		lastActivity: now,
	}

	r.mu.Lock()
	r.participants[id] = p
	r.mu.Unlock()
	return id
}

// GetParticipant returns the participant for id.
func (r *Registry) GetParticipant(id int64) (*Participant, error) {
	r.mu.RLock()
	p, ok := r.participants[id]
	r.mu.RUnlock()
	if !ok {
		return nil, sfuerrors.Wrap(sfuerrors.Session, "participant", sfuerrors.ErrNotFound)
	}
	return p, nil
}

// GetAllSessions returns a snapshot of all live session ids.
func (r *Registry) GetAllSessions() []int64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]int64, 0, len(r.participants))
	for id := range r.participants {
		ids = append(ids, id)
	}
	return ids
}

// RegisterPublishedTrack mints a new track id and registers it under
// sessionID.
func (r *Registry) RegisterPublishedTrack(sessionID int64, desc TrackDescriptor) (int64, error) {
	publisher, err := r.GetParticipant(sessionID)
	if err != nil {
		return 0, err
	}

	trackID := r.nextTrackID.Add(1)
	track := &PublishedTrack{
		ID:          trackID,
		PublisherID: sessionID,
		Kind:        desc.Kind,
		Codec:       desc.Codec,
		Simulcast:   desc.Simulcast,
		subscribers: make(map[int64]struct{}),
	}

	r.mu.Lock()
	r.tracks[trackID] = track
	r.mu.Unlock()

	publisher.mu.Lock()
	publisher.publishedIDs[trackID] = struct{}{}
	publisher.mu.Unlock()
	publisher.touch()

	return trackID, nil
}

// UnpublishTrack removes a track explicitly (not via session removal),
// cascading subscription removal for every current subscriber. Returns the
// ids of subscribers that were subscribed at the time of removal, so the
// caller can notify them that the track is gone.
func (r *Registry) UnpublishTrack(sessionID, trackID int64) ([]int64, error) {
	r.mu.Lock()
	track, ok := r.tracks[trackID]
	if !ok {
		r.mu.Unlock()
		return nil, sfuerrors.Wrap(sfuerrors.Session, "track", sfuerrors.ErrNotFound)
	}
	if track.PublisherID != sessionID {
		r.mu.Unlock()
		return nil, sfuerrors.Wrap(sfuerrors.Session, "track not owned by session", sfuerrors.ErrInvariantViolation)
	}
	delete(r.tracks, trackID)
	r.mu.Unlock()

	publisher, err := r.GetParticipant(sessionID)
	if err == nil {
		publisher.mu.Lock()
		delete(publisher.publishedIDs, trackID)
		publisher.mu.Unlock()
	}

	subscriberIDs := track.Subscribers()
	for _, subID := range subscriberIDs {
		if sub, err := r.GetParticipant(subID); err == nil {
			sub.mu.Lock()
			delete(sub.subscribed, trackID)
			sub.mu.Unlock()
		}
	}
	return subscriberIDs, nil
}

// GetPublishedTracks returns the PublishedTrack records owned by sessionID.
func (r *Registry) GetPublishedTracks(sessionID int64) ([]*PublishedTrack, error) {
	publisher, err := r.GetParticipant(sessionID)
	if err != nil {
		return nil, err
	}
	ids := publisher.PublishedTrackIDs()

	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*PublishedTrack, 0, len(ids))
	for _, id := range ids {
		if t, ok := r.tracks[id]; ok {
			out = append(out, t)
		}
	}
	return out, nil
}

// GetTrack returns a PublishedTrack by id.
func (r *Registry) GetTrack(trackID int64) (*PublishedTrack, error) {
	r.mu.RLock()
	t, ok := r.tracks[trackID]
	r.mu.RUnlock()
	if !ok {
		return nil, sfuerrors.Wrap(sfuerrors.Media, "track", sfuerrors.ErrTrackNotFound)
	}
	return t, nil
}

// GetSubscribedTracks returns subscriberID's subscriptions.
func (r *Registry) GetSubscribedTracks(subscriberID int64) ([]*SubscribedTrack, error) {
	sub, err := r.GetParticipant(subscriberID)
	if err != nil {
		return nil, err
	}
	return sub.SubscribedTracks(), nil
}

// RegisterSubscribedTrack atomically adds subscriberID to publisherID's
// track's subscriber set and adds the back-reference to subscriberID's
// subscribed-track map. Lock order: publisher record, then subscriber
// record, per the design notes. Idempotent if already subscribed.
func (r *Registry) RegisterSubscribedTrack(subscriberID, publisherID, trackID int64) error {
	if subscriberID == publisherID {
		return sfuerrors.ErrInvalidSelf
	}

	subscriber, err := r.GetParticipant(subscriberID)
	if err != nil {
		return err
	}
	if _, err := r.GetParticipant(publisherID); err != nil {
		return err
	}

	track, err := r.GetTrack(trackID)
	if err != nil {
		return err
	}
	if track.PublisherID != publisherID {
		return sfuerrors.Wrap(sfuerrors.Session, "track not owned by publisher", sfuerrors.ErrNotFound)
	}

	track.mu.Lock()
	subscriber.mu.Lock()
	track.subscribers[subscriberID] = struct{}{}
	if _, exists := subscriber.subscribed[trackID]; !exists {
		subscriber.subscribed[trackID] = &SubscribedTrack{
			PublisherID: publisherID,
			TrackID:     trackID,
		}
	}
	subscriber.mu.Unlock()
	track.mu.Unlock()
	subscriber.touch()

	return nil
}

// UnregisterSubscribedTrack removes subscriberID's subscription to
// trackID, if present.
func (r *Registry) UnregisterSubscribedTrack(subscriberID, trackID int64) error {
	subscriber, err := r.GetParticipant(subscriberID)
	if err != nil {
		return err
	}

	subscriber.mu.Lock()
	delete(subscriber.subscribed, trackID)
	subscriber.mu.Unlock()

	if track, err := r.GetTrack(trackID); err == nil {
		track.mu.Lock()
		delete(track.subscribers, subscriberID)
		track.mu.Unlock()
	}
	return nil
}

// RemovedSubscription names a subscriber that lost access to a track
// because its publisher's session was removed.
type RemovedSubscription struct {
	SubscriberID int64
	TrackID      int64
}

// RemoveSession unpublishes all of sessionID's published tracks (cascading
// subscriber cleanup), removes all its own subscriptions, and deletes the
// participant. Returns every (subscriber, track) pair that was severed by
// the cascade, so the caller can notify those subscribers that the track
// is gone.
func (r *Registry) RemoveSession(sessionID int64) ([]RemovedSubscription, error) {
	participant, err := r.GetParticipant(sessionID)
	if err != nil {
		return nil, err
	}

	var removed []RemovedSubscription
	for _, trackID := range participant.PublishedTrackIDs() {
		subscriberIDs, _ := r.UnpublishTrack(sessionID, trackID)
		for _, subID := range subscriberIDs {
			removed = append(removed, RemovedSubscription{SubscriberID: subID, TrackID: trackID})
		}
	}

	for _, sub := range participant.SubscribedTracks() {
		_ = r.UnregisterSubscribedTrack(sessionID, sub.TrackID)
	}

	r.mu.Lock()
	delete(r.participants, sessionID)
	r.mu.Unlock()

	return removed, nil
}

// Touch records ingress/feedback activity for inactivity eviction.
func (r *Registry) Touch(sessionID int64) {
	if p, err := r.GetParticipant(sessionID); err == nil {
		p.touch()
	}
}
