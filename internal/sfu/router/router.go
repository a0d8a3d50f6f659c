// Package router implements the Media Router and Bitrate Adapter: the
// per-publisher-packet forwarding path, priority classification and
// backpressure on bounded per-subscriber queues, and the periodic adapter
// loop that drives simulcast layer selection from the bandwidth estimate.
package router

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/voicetyped/sfu-core/internal/sfu/bandwidth"
	"github.com/voicetyped/sfu-core/internal/sfu/registry"
	"github.com/voicetyped/sfu-core/internal/sfu/rtp"
	"github.com/voicetyped/sfu-core/internal/sfu/sfuerrors"
	"github.com/voicetyped/sfu-core/internal/sfu/simulcast"
)

// Priority classifies a queued packet for drop-tail backpressure decisions.
// Ordered low to high so numeric comparison matches eviction precedence.
type Priority int

const (
	Low Priority = iota
	Medium
	High
	Critical
)

func (p Priority) String() string {
	switch p {
	case Critical:
		return "critical"
	case High:
		return "high"
	case Medium:
		return "medium"
	default:
		return "low"
	}
}

// DefaultQueueCapacity is the default bounded depth of a per-subscriber
// outbound queue.
const DefaultQueueCapacity = 30

// Adapter tuning constants.
const (
	adapterHeadroom        = 0.8
	adapterUpscaleFactor   = 1.2
	adapterDownscaleFactor = 0.8
	AdapterStabilityWindow = 2 * time.Second
)

// DefaultIngressCapacity bounds the per-publisher-track ingress jitter
// buffer sitting between the transport receive flow and depacketization.
// The buffer is FIFO: it does not reorder packets, and when full it drops
// the incoming packet.
const DefaultIngressCapacity = 64

type queuedPacket struct {
	priority Priority
	payload  []byte
}

// SubscriberQueue is a bounded, priority-aware outbound queue for one
// (subscriber, track) pair. Push never blocks: when full it evicts the
// lowest-priority resident packet to make room, dropping the incoming
// packet only if nothing lower priority can be evicted. Critical packets
// are never themselves evicted.
type SubscriberQueue struct {
	mu       sync.Mutex
	items    []queuedPacket
	capacity int
	notify   chan struct{}
	closed   bool
}

func newSubscriberQueue(capacity int) *SubscriberQueue {
	if capacity <= 0 {
		capacity = DefaultQueueCapacity
	}
	return &SubscriberQueue{capacity: capacity, notify: make(chan struct{}, 1)}
}

func (q *SubscriberQueue) wake() {
	select {
	case q.notify <- struct{}{}:
	default:
	}
}

// push enqueues payload at the given priority, returning false if the
// packet was dropped due to backpressure.
func (q *SubscriberQueue) push(p Priority, payload []byte) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return false
	}
	if len(q.items) < q.capacity {
		q.items = append(q.items, queuedPacket{p, payload})
		q.wake()
		return true
	}

	// Backpressure: evict the lowest-priority resident packet strictly
	// below the incoming priority, Low first then Medium then High.
	for _, evictable := range []Priority{Low, Medium, High} {
		if evictable >= p {
			break
		}
		for i, it := range q.items {
			if it.priority == evictable {
				q.items = append(q.items[:i], q.items[i+1:]...)
				q.items = append(q.items, queuedPacket{p, payload})
				q.wake()
				return true
			}
		}
	}

	if p == Critical {
		// A Critical packet always gets room: evict whatever resident
		// packet has the lowest priority, even if that is High.
		minIdx, minPriority := -1, Critical
		for i, it := range q.items {
			if it.priority < minPriority || minIdx == -1 {
				minPriority = it.priority
				minIdx = i
			}
		}
		if minIdx >= 0 && minPriority < Critical {
			q.items = append(q.items[:minIdx], q.items[minIdx+1:]...)
			q.items = append(q.items, queuedPacket{p, payload})
			q.wake()
			return true
		}
	}

	return false
}

// Pop blocks until a packet is available, the queue is closed, or ctx is
// cancelled.
func (q *SubscriberQueue) Pop(ctx context.Context) ([]byte, error) {
	for {
		q.mu.Lock()
		if len(q.items) > 0 {
			it := q.items[0]
			q.items = q.items[1:]
			q.mu.Unlock()
			return it.payload, nil
		}
		closed := q.closed
		q.mu.Unlock()
		if closed {
			return nil, sfuerrors.ErrSessionClosed
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-q.notify:
		}
	}
}

func (q *SubscriberQueue) Close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	q.wake()
}

// IngressBuffer is a bounded packet buffer sitting ahead of depacketization
// on the inbound side of one publisher track, absorbing arrival jitter
// before packets reach the forwarding path.
type IngressBuffer struct {
	ch chan []byte
}

func NewIngressBuffer(capacity int) *IngressBuffer {
	if capacity <= 0 {
		capacity = DefaultIngressCapacity
	}
	return &IngressBuffer{ch: make(chan []byte, capacity)}
}

// Push enqueues a raw packet, returning false if the buffer is full.
func (b *IngressBuffer) Push(pkt []byte) bool {
	select {
	case b.ch <- pkt:
		return true
	default:
		return false
	}
}

func (b *IngressBuffer) Pop(ctx context.Context) ([]byte, error) {
	select {
	case pkt := <-b.ch:
		return pkt, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

type queueKey struct {
	subscriberID int64
	trackID      int64
}

// Router owns the per-subscriber outbound queues and the per-packet
// forwarding decision, consulting the registry for the subscriber graph,
// the simulcast manager for layer selection, and the bandwidth estimator
// for the adapter loop's recommended bitrate.
type Router struct {
	reg *registry.Registry
	sim *simulcast.Manager
	bw  *bandwidth.Estimator

	mu        sync.RWMutex
	layerSSRC map[int64]map[uint32]simulcast.LayerID // trackID -> ssrc -> layer
	lastSSRC  map[int64]uint32                       // trackID -> most recently observed SSRC
	queues    map[queueKey]*SubscriberQueue

	QueueCapacity int
	Logger        *slog.Logger
}

func New(reg *registry.Registry, sim *simulcast.Manager, bw *bandwidth.Estimator) *Router {
	return &Router{
		reg:           reg,
		sim:           sim,
		bw:            bw,
		layerSSRC:     make(map[int64]map[uint32]simulcast.LayerID),
		lastSSRC:      make(map[int64]uint32),
		queues:        make(map[queueKey]*SubscriberQueue),
		QueueCapacity: DefaultQueueCapacity,
		Logger:        slog.Default(),
	}
}

// RegisterLayerSSRC associates a simulcast layer with the SSRC carrying
// it, so incoming packets can be classified by layer without per-packet
// descriptor inspection.
func (r *Router) RegisterLayerSSRC(trackID int64, layerID simulcast.LayerID, ssrc uint32) {
	r.mu.Lock()
	defer r.mu.Unlock()
	m, ok := r.layerSSRC[trackID]
	if !ok {
		m = make(map[uint32]simulcast.LayerID)
		r.layerSSRC[trackID] = m
	}
	m[ssrc] = layerID
}

func (r *Router) queueFor(subscriberID, trackID int64) *SubscriberQueue {
	key := queueKey{subscriberID, trackID}
	r.mu.Lock()
	defer r.mu.Unlock()
	q, ok := r.queues[key]
	if !ok {
		q = newSubscriberQueue(r.QueueCapacity)
		r.queues[key] = q
	}
	return q
}

// SubscriberQueueFor returns the outbound queue for (subscriberID,
// trackID), creating it if necessary. The caller (the subscriber's send
// pump) drains it with Pop.
func (r *Router) SubscriberQueueFor(subscriberID, trackID int64) *SubscriberQueue {
	return r.queueFor(subscriberID, trackID)
}

// PrimarySSRC returns the most recently observed SSRC for trackID, used to
// address RTCP feedback (e.g. a PictureLossIndication) back at the
// publisher. Zero if no packet has been received for trackID yet.
func (r *Router) PrimarySSRC(trackID int64) uint32 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.lastSSRC[trackID]
}

// RemoveSubscriberQueue closes and discards the outbound queue for
// (subscriberID, trackID), called on unsubscribe.
func (r *Router) RemoveSubscriberQueue(subscriberID, trackID int64) {
	key := queueKey{subscriberID, trackID}
	r.mu.Lock()
	q, ok := r.queues[key]
	delete(r.queues, key)
	r.mu.Unlock()
	if ok {
		q.Close()
	}
}

func isVP9StartPacket(payload []byte) (isStart bool, frameFirstByte byte, ok bool) {
	if len(payload) < 2 {
		return false, 0, false
	}
	const vp9DescStartBit = 0x80
	if payload[0]&vp9DescStartBit == 0 {
		return false, 0, true
	}
	return true, payload[1], true
}

// HandlePublisherPacket is the hot-path forwarding entry point: it parses
// raw, classifies its priority and simulcast layer, and enqueues it onto
// every subscriber currently entitled to receive that layer. A malformed
// packet is not forwarded; its parse error is returned to the caller.
func (r *Router) HandlePublisherPacket(trackID int64, raw []byte) error {
	pkt, err := rtp.Parse(raw)
	if err != nil {
		return err
	}

	track, err := r.reg.GetTrack(trackID)
	if err != nil {
		return err
	}
	r.reg.Touch(track.PublisherID)

	r.mu.Lock()
	r.lastSSRC[trackID] = pkt.Header.SSRC
	r.mu.Unlock()

	priority := Medium
	isKeyFrame := false
	var layerID simulcast.LayerID
	hasLayer := false

	if track.Kind == registry.KindAudio {
		priority = Critical
	} else {
		if track.Simulcast != nil {
			r.mu.RLock()
			ssrcMap := r.layerSSRC[trackID]
			r.mu.RUnlock()
			if ssrcMap != nil {
				if lid, ok := ssrcMap[pkt.Header.SSRC]; ok {
					layerID = lid
					hasLayer = true
				}
			}
		}
		if isStart, firstByte, ok := isVP9StartPacket(pkt.Payload); ok && isStart {
			isKeyFrame = rtp.IsVP9KeyFrame([]byte{firstByte})
		}
		if isKeyFrame {
			priority = High
		}
	}

	for _, subscriberID := range track.Subscribers() {
		forward := true

		if track.Simulcast != nil {
			if !hasLayer {
				// Packet arrived on an SSRC never registered to a layer;
				// drop defensively rather than guess.
				continue
			}
			committed := r.sim.CommittedLayer(trackID, subscriberID)
			switch {
			case layerID == committed:
				forward = true
			case r.sim.State(trackID, subscriberID) == simulcast.PendingUp &&
				layerID == r.sim.Target(trackID, subscriberID):
				if isKeyFrame {
					r.sim.CommitKeyFrame(trackID, subscriberID, layerID)
					forward = true
				} else {
					forward = false
				}
			default:
				forward = false
			}
		}

		if !forward {
			continue
		}

		q := r.queueFor(subscriberID, trackID)
		if !q.push(priority, raw) {
			r.Logger.Warn("subscriber queue full, dropping packet",
				"subscriber", subscriberID, "track", trackID, "priority", priority.String())
		}
	}

	return nil
}

// runAdapterTick re-evaluates one subscriber's simulcast selection against
// the current bandwidth recommendation, only acting once the recommended
// bitrate has moved far enough from the committed layer's target bitrate
// to justify a switch (the upscale/downscale bands), avoiding thrashing on
// small fluctuations within one stability window.
func (r *Router) runAdapterTick(trackID, subscriberID int64) {
	layers := r.sim.AvailableLayers(trackID)
	if len(layers) == 0 {
		return
	}
	committed := r.sim.CommittedLayer(trackID, subscriberID)

	var committedBitrate uint32
	for _, l := range layers {
		if l.LayerID == committed {
			committedBitrate = l.TargetBitrate
			break
		}
	}

	recommended := r.bw.GetRecommendedBitrate(subscriberID, trackID)
	headroom := uint32(float64(recommended) * adapterHeadroom)

	switch {
	case committedBitrate == 0:
		r.sim.SelectLayer(trackID, subscriberID, headroom)
	case float64(headroom) >= float64(committedBitrate)*adapterUpscaleFactor:
		r.sim.SelectLayer(trackID, subscriberID, headroom)
	case float64(headroom) <= float64(committedBitrate)*adapterDownscaleFactor:
		r.sim.SelectLayer(trackID, subscriberID, headroom)
	}
}

// RunAdapter drives one (track, subscriber) pair's adapter loop until ctx
// is cancelled, ticking every AdapterStabilityWindow.
func (r *Router) RunAdapter(ctx context.Context, trackID, subscriberID int64) {
	ticker := time.NewTicker(AdapterStabilityWindow)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.runAdapterTick(trackID, subscriberID)
		}
	}
}
