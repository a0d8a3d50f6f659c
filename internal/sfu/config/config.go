// Package config holds the SFU process configuration, loaded from the
// environment via pitabwire/frame's config loader: an embedded
// ConfigurationDefault plus env/envDefault struct tags.
package config

import (
	"time"

	"github.com/pitabwire/frame/config"
)

// Config holds every SFU tunable (participant/bitrate limits, feature
// toggles, listen address) plus the adaptation/timeout constants the
// concurrency model depends on.
type Config struct {
	config.ConfigurationDefault

	ListenAddr               string `envDefault:"0.0.0.0:8080" env:"LISTEN_ADDR"`
	MaxParticipants          int    `envDefault:"100"          env:"MAX_PARTICIPANTS"`
	MaxBitratePerParticipant uint32 `envDefault:"5000000"      env:"MAX_BITRATE_PER_PARTICIPANT"`
	EnableSimulcast          bool   `envDefault:"true"         env:"ENABLE_SIMULCAST"`
	EnableFeedback           bool   `envDefault:"true"         env:"ENABLE_FEEDBACK"`

	SignalingTimeoutSec int `envDefault:"5"  env:"SIGNALING_TIMEOUT_SEC"`
	FlowOpenTimeoutSec  int `envDefault:"2"  env:"FLOW_OPEN_TIMEOUT_SEC"`
	PLIWaitTimeoutSec   int `envDefault:"2"  env:"PLI_WAIT_TIMEOUT_SEC"`
	InactivityTimeoutSec int `envDefault:"60" env:"INACTIVITY_TIMEOUT_SEC"`

	OutboundQueueDepth int `envDefault:"30" env:"OUTBOUND_QUEUE_DEPTH"`

	BandwidthWindowSec int `envDefault:"10" env:"BANDWIDTH_WINDOW_SEC"`

	TLSCertPath string `envDefault:"" env:"TLS_CERT_PATH"`
	TLSKeyPath  string `envDefault:"" env:"TLS_KEY_PATH"`

	MetricsAddr string `envDefault:"0.0.0.0:9090" env:"METRICS_ADDR"`
}

func (c *Config) SignalingTimeout() time.Duration {
	return time.Duration(c.SignalingTimeoutSec) * time.Second
}

func (c *Config) FlowOpenTimeout() time.Duration {
	return time.Duration(c.FlowOpenTimeoutSec) * time.Second
}

func (c *Config) PLIWaitTimeout() time.Duration {
	return time.Duration(c.PLIWaitTimeoutSec) * time.Second
}

func (c *Config) InactivityTimeout() time.Duration {
	return time.Duration(c.InactivityTimeoutSec) * time.Second
}

func (c *Config) BandwidthWindow() time.Duration {
	return time.Duration(c.BandwidthWindowSec) * time.Second
}
