package main

import (
	"context"
	"log"
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	otelprometheus "go.opentelemetry.io/otel/exporters/prometheus"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"

	"github.com/voicetyped/sfu-core/internal/sfu/bandwidth"
	"github.com/voicetyped/sfu-core/internal/sfu/registry"
	"github.com/voicetyped/sfu-core/internal/sfu/stats"
)

// startMetrics wires a stats.Collector against a Prometheus-backed OTel
// MeterProvider and serves it on addr. The returned shutdown func stops
// the HTTP listener and flushes the provider; callers should defer it.
func startMetrics(addr string, reg *registry.Registry, bw *bandwidth.Estimator) (shutdown func(context.Context) error, err error) {
	exporter, err := otelprometheus.New()
	if err != nil {
		return nil, err
	}

	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(exporter))

	if _, err := stats.NewCollector(provider.Meter("sfu-core"), reg, bw); err != nil {
		return nil, err
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	httpSrv := &http.Server{Addr: addr, Handler: mux}

	go func() {
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Printf("metrics server exited: %v", err)
		}
	}()

	return func(shutdownCtx context.Context) error {
		_ = httpSrv.Shutdown(shutdownCtx)
		return provider.Shutdown(shutdownCtx)
	}, nil
}
