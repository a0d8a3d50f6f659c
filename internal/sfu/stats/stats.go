// Package stats publishes read-only periodic snapshots of SFU state as
// OpenTelemetry metrics: participant/track counts and aggregate bandwidth.
package stats

import (
	"context"

	"go.opentelemetry.io/otel/metric"

	"github.com/voicetyped/sfu-core/internal/sfu/bandwidth"
	"github.com/voicetyped/sfu-core/internal/sfu/registry"
)

// Snapshot is a point-in-time read of the SFU's aggregate state.
type Snapshot struct {
	Participants int
	Tracks       int
}

// Collector owns the OTel instruments and knows how to take a Snapshot
// from the registry.
type Collector struct {
	reg *registry.Registry
	bw  *bandwidth.Estimator

	participants metric.Int64ObservableGauge
	tracks       metric.Int64ObservableGauge
	downloadBps  metric.Int64ObservableGauge
}

// NewCollector registers the SFU's gauges against meter and wires their
// callbacks to read the registry and bandwidth estimator at observation
// time.
func NewCollector(meter metric.Meter, reg *registry.Registry, bw *bandwidth.Estimator) (*Collector, error) {
	c := &Collector{reg: reg, bw: bw}

	var err error
	c.participants, err = meter.Int64ObservableGauge(
		"sfu.participants",
		metric.WithDescription("number of connected participants"),
	)
	if err != nil {
		return nil, err
	}

	c.tracks, err = meter.Int64ObservableGauge(
		"sfu.published_tracks",
		metric.WithDescription("number of currently published tracks"),
	)
	if err != nil {
		return nil, err
	}

	c.downloadBps, err = meter.Int64ObservableGauge(
		"sfu.bandwidth.download_bps",
		metric.WithDescription("aggregate download bandwidth estimate across sessions"),
	)
	if err != nil {
		return nil, err
	}

	_, err = meter.RegisterCallback(c.observe,
		c.participants, c.tracks, c.downloadBps)
	if err != nil {
		return nil, err
	}

	return c, nil
}

func (c *Collector) observe(_ context.Context, o metric.Observer) error {
	snap := c.Snapshot()
	o.ObserveInt64(c.participants, int64(snap.Participants))
	o.ObserveInt64(c.tracks, int64(snap.Tracks))

	var totalDownload int64
	for _, id := range c.reg.GetAllSessions() {
		totalDownload += int64(c.bw.View(id).Download)
	}
	o.ObserveInt64(c.downloadBps, totalDownload)
	return nil
}

// Snapshot reads the registry for a point-in-time count of participants
// and published tracks.
func (c *Collector) Snapshot() Snapshot {
	sessions := c.reg.GetAllSessions()
	trackCount := 0
	for _, id := range sessions {
		tracks, err := c.reg.GetPublishedTracks(id)
		if err != nil {
			continue
		}
		trackCount += len(tracks)
	}
	return Snapshot{Participants: len(sessions), Tracks: trackCount}
}
