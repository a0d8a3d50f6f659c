package router

import (
	"context"
	"testing"
	"time"

	"github.com/voicetyped/sfu-core/internal/sfu/bandwidth"
	"github.com/voicetyped/sfu-core/internal/sfu/registry"
	sfrtp "github.com/voicetyped/sfu-core/internal/sfu/rtp"
	"github.com/voicetyped/sfu-core/internal/sfu/simulcast"
	"github.com/voicetyped/sfu-core/internal/sfu/transport"
)

func buildPacket(ssrc uint32, seq uint16, payload []byte) []byte {
	pkt := &sfrtp.Packet{
		Header: sfrtp.Header{
			Version:        2,
			PayloadType:    96,
			SequenceNumber: seq,
			Timestamp:      90000,
			SSRC:           ssrc,
		},
		Payload: payload,
	}
	return sfrtp.Serialize(pkt)
}

func TestIngressBufferPushPop(t *testing.T) {
	buf := NewIngressBuffer(2)
	if !buf.Push([]byte{1}) {
		t.Fatal("expected first push to succeed")
	}
	if !buf.Push([]byte{2}) {
		t.Fatal("expected second push to succeed")
	}
	if buf.Push([]byte{3}) {
		t.Fatal("expected push to fail once capacity is exhausted")
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	got, err := buf.Pop(ctx)
	if err != nil || len(got) != 1 || got[0] != 1 {
		t.Fatalf("Pop 1 = %v, %v", got, err)
	}
	got, err = buf.Pop(ctx)
	if err != nil || len(got) != 1 || got[0] != 2 {
		t.Fatalf("Pop 2 = %v, %v", got, err)
	}
}

func TestIngressBufferPopBlocksUntilCancelled(t *testing.T) {
	buf := NewIngressBuffer(1)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := buf.Pop(ctx); err == nil {
		t.Fatal("expected Pop on empty buffer to block until ctx is done")
	}
}

func vp9Descriptor(start, end bool) byte {
	var b byte
	if start {
		b |= 0x80
	}
	if end {
		b |= 0x40
	}
	return b
}

type fixture struct {
	reg *registry.Registry
	sim *simulcast.Manager
	bw  *bandwidth.Estimator
	r   *Router

	pubID, subID, trackID int64
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	reg := registry.New()
	sim := simulcast.NewManager()
	bw := bandwidth.New(10 * time.Second)
	r := New(reg, sim, bw)

	pubID := reg.CreateSession([]byte("pub"), transport.NewMemorySession([]byte("pub")))
	subID := reg.CreateSession([]byte("sub"), transport.NewMemorySession([]byte("sub")))

	trackID, err := reg.RegisterPublishedTrack(pubID, registry.TrackDescriptor{
		Kind:  registry.KindVideo,
		Codec: registry.CodecDescriptor{Name: "VP9"},
		Simulcast: &registry.SimulcastDescriptor{
			SpatialLayers: 1, TemporalLayers: 3, BaseBitrate: 500_000,
		},
	})
	if err != nil {
		t.Fatalf("RegisterPublishedTrack: %v", err)
	}

	sim.RegisterTrack(trackID, simulcast.Config{SpatialLayers: 1, TemporalLayers: 3, BaseBitrate: 500_000})
	sim.ActivateLayers(trackID, 0, 1)
	sim.ActivateLayers(trackID, 0, 2)
	sim.UpdateLayerBitrate(trackID, 0, 500_000)
	sim.UpdateLayerBitrate(trackID, 1, 1_000_000)
	sim.UpdateLayerBitrate(trackID, 2, 2_000_000)

	r.RegisterLayerSSRC(trackID, 0, 100)
	r.RegisterLayerSSRC(trackID, 1, 101)
	r.RegisterLayerSSRC(trackID, 2, 102)

	if err := reg.RegisterSubscribedTrack(subID, pubID, trackID); err != nil {
		t.Fatalf("RegisterSubscribedTrack: %v", err)
	}

	return &fixture{reg: reg, sim: sim, bw: bw, r: r, pubID: pubID, subID: subID, trackID: trackID}
}

func TestHandlePacketForwardsCommittedLayer(t *testing.T) {
	f := newFixture(t)
	raw := buildPacket(100, 1, []byte{vp9Descriptor(true, true), 0x02})

	if err := f.r.HandlePublisherPacket(f.trackID, raw); err != nil {
		t.Fatalf("HandlePublisherPacket: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	q := f.r.SubscriberQueueFor(f.subID, f.trackID)
	got, err := q.Pop(ctx)
	if err != nil {
		t.Fatalf("Pop: %v", err)
	}
	if len(got) != len(raw) {
		t.Fatalf("forwarded packet length mismatch")
	}
}

func TestHandlePacketDropsNonCommittedLayer(t *testing.T) {
	f := newFixture(t)
	raw := buildPacket(101, 1, []byte{vp9Descriptor(true, true), 0x02})

	if err := f.r.HandlePublisherPacket(f.trackID, raw); err != nil {
		t.Fatalf("HandlePublisherPacket: %v", err)
	}

	q := f.r.SubscriberQueueFor(f.subID, f.trackID)
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if _, err := q.Pop(ctx); err == nil {
		t.Fatal("expected no packet forwarded for non-committed, non-target layer")
	}
}

// Scenario 4 at the router layer: an upgrade stays pending until a key
// frame on the target layer is observed, at which point it is forwarded
// and the simulcast manager's commit is triggered.
func TestHandlePacketCommitsUpgradeOnKeyFrame(t *testing.T) {
	f := newFixture(t)

	chosen := f.sim.SelectLayer(f.trackID, f.subID, 2_000_000)
	if chosen != 2 {
		t.Fatalf("expected selection of layer 2, got %d", chosen)
	}

	// Delta frame on the target layer: must not forward or commit.
	delta := buildPacket(102, 1, []byte{vp9Descriptor(true, true), 0x03})
	if err := f.r.HandlePublisherPacket(f.trackID, delta); err != nil {
		t.Fatal(err)
	}
	q := f.r.SubscriberQueueFor(f.subID, f.trackID)
	ctx1, cancel1 := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel1()
	if _, err := q.Pop(ctx1); err == nil {
		t.Fatal("delta frame on target layer should not be forwarded before key frame")
	}
	if got := f.sim.CommittedLayer(f.trackID, f.subID); got != 0 {
		t.Fatalf("committed layer changed before key frame: %d", got)
	}

	key := buildPacket(102, 2, []byte{vp9Descriptor(true, true), 0x02})
	if err := f.r.HandlePublisherPacket(f.trackID, key); err != nil {
		t.Fatal(err)
	}
	ctx2, cancel2 := context.WithTimeout(context.Background(), time.Second)
	defer cancel2()
	if _, err := q.Pop(ctx2); err != nil {
		t.Fatalf("expected key frame on target layer to be forwarded: %v", err)
	}
	if got := f.sim.CommittedLayer(f.trackID, f.subID); got != 2 {
		t.Fatalf("expected commit to layer 2, got %d", got)
	}
}

func TestAudioPacketsGetCriticalPriority(t *testing.T) {
	reg := registry.New()
	sim := simulcast.NewManager()
	bw := bandwidth.New(10 * time.Second)
	r := New(reg, sim, bw)

	pubID := reg.CreateSession([]byte("pub"), transport.NewMemorySession([]byte("pub")))
	subID := reg.CreateSession([]byte("sub"), transport.NewMemorySession([]byte("sub")))
	trackID, err := reg.RegisterPublishedTrack(pubID, registry.TrackDescriptor{
		Kind:  registry.KindAudio,
		Codec: registry.CodecDescriptor{Name: "opus"},
	})
	if err != nil {
		t.Fatal(err)
	}
	if err := reg.RegisterSubscribedTrack(subID, pubID, trackID); err != nil {
		t.Fatal(err)
	}

	raw := buildPacket(500, 1, []byte{0x01, 0x02, 0x03})
	if err := r.HandlePublisherPacket(trackID, raw); err != nil {
		t.Fatal(err)
	}

	q := r.SubscriberQueueFor(subID, trackID)
	q.mu.Lock()
	if len(q.items) != 1 || q.items[0].priority != Critical {
		q.mu.Unlock()
		t.Fatalf("expected one Critical-priority item")
	}
	q.mu.Unlock()
}

func TestSubscriberQueueBackpressureDropsLowFirst(t *testing.T) {
	q := newSubscriberQueue(2)

	if !q.push(Low, []byte("a")) {
		t.Fatal("expected first push to succeed")
	}
	if !q.push(Medium, []byte("b")) {
		t.Fatal("expected second push to succeed")
	}
	// Queue full at [Low, Medium]; pushing Critical should evict Low.
	if !q.push(Critical, []byte("c")) {
		t.Fatal("expected Critical push to evict Low and succeed")
	}

	q.mu.Lock()
	priorities := make([]Priority, len(q.items))
	for i, it := range q.items {
		priorities[i] = it.priority
	}
	q.mu.Unlock()

	foundLow := false
	for _, p := range priorities {
		if p == Low {
			foundLow = true
		}
	}
	if foundLow {
		t.Fatalf("expected Low-priority packet to have been evicted, got %v", priorities)
	}
}

func TestSubscriberQueueDropsIncomingWhenNothingEvictable(t *testing.T) {
	q := newSubscriberQueue(1)
	if !q.push(Critical, []byte("a")) {
		t.Fatal("expected first push to succeed")
	}
	if q.push(Critical, []byte("b")) {
		t.Fatal("expected second Critical push to be dropped: nothing evictable")
	}
}

func TestAdapterTickUpgradesOnHeadroom(t *testing.T) {
	f := newFixture(t)
	f.bw.SetExplicitAllocation(f.subID, f.trackID, 3_000_000)

	f.r.runAdapterTick(f.trackID, f.subID)

	target := f.sim.Target(f.trackID, f.subID)
	if target != 2 {
		t.Fatalf("expected adapter to target layer 2 given ample headroom, got %d", target)
	}
}
