package bandwidth

import (
	"testing"
	"time"
)

func TestGetRecommendedBitrateDefaultFallback(t *testing.T) {
	e := New(10 * time.Second)
	if got := e.GetRecommendedBitrate(1, 1); got != defaultBitrateFloor {
		t.Errorf("got %d, want default floor %d", got, defaultBitrateFloor)
	}
}

func TestGetRecommendedBitrateExplicitAllocationWins(t *testing.T) {
	e := New(10 * time.Second)
	e.SetExplicitAllocation(1, 1, 777_000)
	if got := e.GetRecommendedBitrate(1, 1); got != 777_000 {
		t.Errorf("got %d, want 777000", got)
	}
}

// Scenario 6: session uplink 2 Mbps, tracks {T1: priority 3, T2: priority 1}.
func TestDistributeBandwidthProportional(t *testing.T) {
	e := New(10 * time.Second)
	result := e.DistributeBandwidth(1, 2_000_000, map[int64]uint8{1: 3, 2: 1})

	if got := result[1]; abs32(int64(got)-1_500_000) > 1 {
		t.Errorf("T1 = %d, want ~1500000", got)
	}
	if got := result[2]; abs32(int64(got)-500_000) > 1 {
		t.Errorf("T2 = %d, want ~500000", got)
	}

	// get_recommended_bitrate returns these thereafter.
	if got := e.GetRecommendedBitrate(1, 1); got != result[1] {
		t.Errorf("recommended T1 = %d, want %d", got, result[1])
	}
}

func TestDistributeBandwidthEmptyPriorities(t *testing.T) {
	e := New(10 * time.Second)
	result := e.DistributeBandwidth(1, 2_000_000, map[int64]uint8{})
	if len(result) != 0 {
		t.Errorf("expected empty allocation map, got %v", result)
	}
}

func TestTrendRequiresMinimumSamples(t *testing.T) {
	e := New(10 * time.Second)
	for i := 0; i < 3; i++ {
		e.UpdateBandwidth(1, uint32(500_000+i*100_000), Download)
	}
	if got := e.View(1).Trend; got != TrendStable {
		t.Errorf("trend with < 5 samples = %v, want stable", got)
	}
}

func TestTrendIncreasing(t *testing.T) {
	e := New(10 * time.Second)
	base := uint32(500_000)
	for i := 0; i < 6; i++ {
		e.UpdateBandwidth(1, base+uint32(i)*50_000, Download)
		time.Sleep(2 * time.Millisecond)
	}
	if got := e.View(1).Trend; got != TrendIncreasing {
		t.Errorf("trend = %v, want increasing", got)
	}
}

// The source's direction-ignoring behavior is preserved for compatibility
// (design notes open question #3): an Upload-direction update still lands
// in the Download field.
func TestUpdateBandwidthIgnoresDirection(t *testing.T) {
	e := New(10 * time.Second)
	e.UpdateBandwidth(1, 1_000_000, Upload)
	v := e.View(1)
	if v.Download != 1_000_000 {
		t.Errorf("download = %d, want 1000000 (direction-ignoring bug preserved)", v.Download)
	}
	if v.Upload != 0 {
		t.Errorf("upload = %d, want 0", v.Upload)
	}
}

func TestHistoryPruning(t *testing.T) {
	e := New(20 * time.Millisecond)
	e.UpdateBandwidth(1, 100, Download)
	time.Sleep(30 * time.Millisecond)
	e.UpdateBandwidth(1, 200, Download)

	s := e.sessionFor(1)
	s.mu.Lock()
	n := len(s.history)
	s.mu.Unlock()
	if n != 1 {
		t.Errorf("expected pruned history of length 1, got %d", n)
	}
}

func abs32(n int64) int64 {
	if n < 0 {
		return -n
	}
	return n
}
