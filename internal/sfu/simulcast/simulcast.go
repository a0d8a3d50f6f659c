// Package simulcast implements the Simulcast Layer Selector:
// layer-set construction, per-(track,subscriber) layer selection, and the
// hysteretic Steady/PendingUp/PendingDown switching state machine with PLI
// emission on stalled upgrades.
package simulcast

import (
	"sync"
	"time"
)

// LayerID identifies one simulcast layer within a track. Dense, enumerated
// as (spatial, temporal) pairs: layer_id = spatial*T + temporal.
type LayerID int

// Layer is one simulcast variant of a video track.
type Layer struct {
	LayerID       LayerID
	SpatialID     uint8
	TemporalID    uint8
	TargetBitrate uint32
	Active        bool
}

// Config describes how to construct a track's layer set.
type Config struct {
	SpatialLayers  uint8
	TemporalLayers uint8
	BaseBitrate    uint32 // default 500_000 if zero
	SpatialScale   float64
	TemporalScale  float64
}

const defaultBaseBitrate = 500_000

// PendingUpgradeWindow is how long a PendingUp selection waits for a key
// frame on the new layer before emitting a PLI.
const PendingUpgradeWindow = 2 * time.Second

// SwitchReason classifies why a LayerSwitched notification was sent.
type SwitchReason int

const (
	SwitchReasonAdaptation SwitchReason = iota
	SwitchReasonKeyFrame
	SwitchReasonDowngrade
)

// SubState is the committed/pending state of one subscriber's selection
// for one track. SelectLayer commits downgrades immediately, so a
// subscription is never put in PendingDown.
type SubState int

const (
	Steady SubState = iota
	PendingUp
	PendingDown
)

func (s SubState) String() string {
	switch s {
	case PendingUp:
		return "pending_up"
	case PendingDown:
		return "pending_down"
	default:
		return "steady"
	}
}

// subscription tracks one subscriber's committed/pending layer for a
// track.
type subscription struct {
	mu            sync.Mutex
	state         SubState
	committed     LayerID
	target        LayerID
	pendingSince  time.Time
	pliTimer      *time.Timer
}

// trackState holds one track's layer set and per-subscriber subscriptions.
type trackState struct {
	mu            sync.RWMutex
	layers        []*Layer
	subscriptions map[int64]*subscription // keyed by subscriber id
}

func buildLayers(cfg Config) []*Layer {
	base := cfg.BaseBitrate
	if base == 0 {
		base = defaultBaseBitrate
	}
	sScale := cfg.SpatialScale
	if sScale == 0 {
		sScale = 1
	}
	tScale := cfg.TemporalScale
	if tScale == 0 {
		tScale = 1
	}

	layers := make([]*Layer, 0, int(cfg.SpatialLayers)*int(cfg.TemporalLayers))
	for s := uint8(0); s < cfg.SpatialLayers; s++ {
		for t := uint8(0); t < cfg.TemporalLayers; t++ {
			id := LayerID(int(s)*int(cfg.TemporalLayers) + int(t))
			bitrate := float64(base) * pow(sScale, int(s)) * pow(tScale, int(t))
			layers = append(layers, &Layer{
				LayerID:       id,
				SpatialID:     s,
				TemporalID:    t,
				TargetBitrate: uint32(bitrate),
				Active:        s == 0 && t == 0,
			})
		}
	}
	return layers
}

func pow(base float64, exp int) float64 {
	result := 1.0
	for i := 0; i < exp; i++ {
		result *= base
	}
	return result
}

// Manager owns simulcast layer sets and per-subscriber selection state for
// every simulcast track it has registered. OnPLI, if set, is invoked when a
// pending upgrade stalls past PendingUpgradeWindow without a key frame.
type Manager struct {
	mu     sync.RWMutex
	tracks map[int64]*trackState

	OnPLI func(trackID int64)
}

func NewManager() *Manager {
	return &Manager{tracks: make(map[int64]*trackState)}
}

// RegisterTrack builds the S*T layer set for trackID from cfg. Only the
// (0,0) base layer is active initially.
func (m *Manager) RegisterTrack(trackID int64, cfg Config) {
	ts := &trackState{
		layers:        buildLayers(cfg),
		subscriptions: make(map[int64]*subscription),
	}
	m.mu.Lock()
	m.tracks[trackID] = ts
	m.mu.Unlock()
}

func (m *Manager) UnregisterTrack(trackID int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if ts, ok := m.tracks[trackID]; ok {
		ts.mu.Lock()
		for _, sub := range ts.subscriptions {
			sub.mu.Lock()
			if sub.pliTimer != nil {
				sub.pliTimer.Stop()
			}
			sub.mu.Unlock()
		}
		ts.mu.Unlock()
	}
	delete(m.tracks, trackID)
}

func (m *Manager) trackFor(trackID int64) *trackState {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.tracks[trackID]
}

// AvailableLayers returns a snapshot of trackID's layer set.
func (m *Manager) AvailableLayers(trackID int64) []Layer {
	ts := m.trackFor(trackID)
	if ts == nil {
		return nil
	}
	ts.mu.RLock()
	defer ts.mu.RUnlock()
	out := make([]Layer, len(ts.layers))
	for i, l := range ts.layers {
		out[i] = *l
	}
	return out
}

// SelectLayer picks, among active layers with target_bitrate <=
// availableBps, the one with the highest layer id (ties broken by highest
// spatial then temporal id — which dense layer_id ordering already
// encodes). If none qualifies, returns the lowest-index active layer, the
// always-active base layer.
//
// The selection becomes the subscriber's new target; whether it is
// immediately committed or goes Pending is governed by the subscriber's
// current Steady/PendingUp/PendingDown state.
func (m *Manager) SelectLayer(trackID, subscriberID int64, availableBps uint32) LayerID {
	ts := m.trackFor(trackID)
	if ts == nil {
		return 0
	}

	ts.mu.RLock()
	var best *Layer
	var lowestActive *Layer
	for _, l := range ts.layers {
		if !l.Active {
			continue
		}
		if lowestActive == nil || l.LayerID < lowestActive.LayerID {
			lowestActive = l
		}
		if l.TargetBitrate <= availableBps {
			if best == nil || l.LayerID > best.LayerID {
				best = l
			}
		}
	}
	ts.mu.RUnlock()

	var chosen LayerID
	switch {
	case best != nil:
		chosen = best.LayerID
	case lowestActive != nil:
		chosen = lowestActive.LayerID
	default:
		chosen = 0
	}

	var base LayerID
	if lowestActive != nil {
		base = lowestActive.LayerID
	}

	ts.mu.Lock()
	sub, ok := ts.subscriptions[subscriberID]
	if !ok {
		sub = &subscription{state: Steady, committed: base, target: base}
		ts.subscriptions[subscriberID] = sub
	}
	ts.mu.Unlock()

	sub.mu.Lock()
	defer sub.mu.Unlock()
	if chosen == sub.committed && sub.state == Steady {
		return chosen
	}
	if chosen == sub.target {
		return chosen
	}

	sub.target = chosen
	if chosen < sub.committed {
		// Downgrades may commit immediately without waiting for a key frame.
		sub.committed = chosen
		sub.state = Steady
		if sub.pliTimer != nil {
			sub.pliTimer.Stop()
		}
	} else if chosen > sub.committed {
		sub.state = PendingUp
		sub.pendingSince = time.Now()
		if sub.pliTimer != nil {
			sub.pliTimer.Stop()
		}
		sub.pliTimer = time.AfterFunc(PendingUpgradeWindow, func() {
			m.firePLIIfStillPending(trackID, subscriberID)
		})
	} else {
		// Back to the committed layer: abandon the pending upgrade.
		sub.state = Steady
		if sub.pliTimer != nil {
			sub.pliTimer.Stop()
		}
	}

	return chosen
}

func (m *Manager) firePLIIfStillPending(trackID, subscriberID int64) {
	ts := m.trackFor(trackID)
	if ts == nil {
		return
	}
	ts.mu.RLock()
	sub, ok := ts.subscriptions[subscriberID]
	ts.mu.RUnlock()
	if !ok {
		return
	}

	sub.mu.Lock()
	stillPending := sub.state == PendingUp
	sub.mu.Unlock()

	if stillPending && m.OnPLI != nil {
		m.OnPLI(trackID)
	}
}

// CommitKeyFrame records that a key frame has been forwarded on the
// subscriber's pending target layer, completing a pending upgrade.
func (m *Manager) CommitKeyFrame(trackID, subscriberID int64, layerID LayerID) {
	ts := m.trackFor(trackID)
	if ts == nil {
		return
	}
	ts.mu.RLock()
	sub, ok := ts.subscriptions[subscriberID]
	ts.mu.RUnlock()
	if !ok {
		return
	}

	sub.mu.Lock()
	defer sub.mu.Unlock()
	if sub.state == PendingUp && sub.target == layerID {
		sub.committed = layerID
		sub.state = Steady
		if sub.pliTimer != nil {
			sub.pliTimer.Stop()
			sub.pliTimer = nil
		}
	}
}

// CommittedLayer returns the subscriber's currently committed layer for
// trackID.
func (m *Manager) CommittedLayer(trackID, subscriberID int64) LayerID {
	ts := m.trackFor(trackID)
	if ts == nil {
		return 0
	}
	ts.mu.RLock()
	sub, ok := ts.subscriptions[subscriberID]
	ts.mu.RUnlock()
	if !ok {
		return 0
	}
	sub.mu.Lock()
	defer sub.mu.Unlock()
	return sub.committed
}

// Target returns the subscriber's current target layer — the layer a
// PendingUp/PendingDown selection is moving toward, or the committed layer
// if Steady. The router consults this to recognize a key frame arriving on
// the target layer of a stalled upgrade.
func (m *Manager) Target(trackID, subscriberID int64) LayerID {
	ts := m.trackFor(trackID)
	if ts == nil {
		return 0
	}
	ts.mu.RLock()
	sub, ok := ts.subscriptions[subscriberID]
	ts.mu.RUnlock()
	if !ok {
		return 0
	}
	sub.mu.Lock()
	defer sub.mu.Unlock()
	return sub.target
}

// State returns the subscriber's current state machine state.
func (m *Manager) State(trackID, subscriberID int64) SubState {
	ts := m.trackFor(trackID)
	if ts == nil {
		return Steady
	}
	ts.mu.RLock()
	sub, ok := ts.subscriptions[subscriberID]
	ts.mu.RUnlock()
	if !ok {
		return Steady
	}
	sub.mu.Lock()
	defer sub.mu.Unlock()
	return sub.state
}

// ActivateLayers marks the layer at (spatialID, temporalID) active,
// allowing subsequent SelectLayer calls to choose it.
func (m *Manager) ActivateLayers(trackID int64, spatialID, temporalID uint8) bool {
	ts := m.trackFor(trackID)
	if ts == nil {
		return false
	}
	ts.mu.Lock()
	defer ts.mu.Unlock()
	for _, l := range ts.layers {
		if l.SpatialID == spatialID && l.TemporalID == temporalID {
			l.Active = true
			return true
		}
	}
	return false
}

// UpdateLayerBitrate updates layerID's target bitrate.
func (m *Manager) UpdateLayerBitrate(trackID int64, layerID LayerID, bitrate uint32) bool {
	ts := m.trackFor(trackID)
	if ts == nil {
		return false
	}
	ts.mu.Lock()
	defer ts.mu.Unlock()
	for _, l := range ts.layers {
		if l.LayerID == layerID {
			l.TargetBitrate = bitrate
			return true
		}
	}
	return false
}
