package main

import (
	"context"
	"crypto/tls"
	"log"
	"net/http"

	"github.com/pitabwire/frame"
	"github.com/pitabwire/frame/config"
	"github.com/quic-go/quic-go"

	sfuconfig "github.com/voicetyped/sfu-core/internal/sfu/config"
	"github.com/voicetyped/sfu-core/internal/sfu"
	"github.com/voicetyped/sfu-core/internal/sfu/transport/quictransport"
)

func main() {
	ctx := context.Background()

	cfg, err := config.LoadWithOIDC[sfuconfig.Config](ctx)
	if err != nil {
		log.Fatalf("loading config: %v", err)
	}

	ctx, srv := frame.NewService(
		frame.WithConfig(&cfg),
		frame.WithName("sfu-core"),
	)
	defer srv.Stop(ctx)

	tlsConf, err := loadTLSConfig(cfg.TLSCertPath, cfg.TLSKeyPath)
	if err != nil {
		log.Fatalf("loading TLS config: %v", err)
	}

	quicLn, err := quic.ListenAddr(cfg.ListenAddr, tlsConf, &quic.Config{})
	if err != nil {
		log.Fatalf("listening on %s: %v", cfg.ListenAddr, err)
	}
	defer quicLn.Close()

	instance := sfu.New(cfg)

	stopMetrics, err := startMetrics(cfg.MetricsAddr, instance.Registry, instance.Bandwidth)
	if err != nil {
		log.Fatalf("starting metrics: %v", err)
	}
	defer stopMetrics(ctx)

	go func() {
		if err := instance.Serve(ctx, quictransport.Listen(quicLn)); err != nil {
			log.Fatalf("sfu serve: %v", err)
		}
	}()

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	srv.Init(ctx, frame.WithHTTPHandler(mux))

	if err := srv.Run(ctx, ""); err != nil {
		log.Fatalf("service exited: %v", err)
	}
}

// loadTLSConfig builds the TLS configuration QUIC requires for its
// handshake. Certificate/key paths are optional in development: with
// neither set, a self-signed certificate is generated for local testing
// only, never suitable for a production deployment.
func loadTLSConfig(certPath, keyPath string) (*tls.Config, error) {
	if certPath == "" || keyPath == "" {
		cert, err := generateSelfSignedCert()
		if err != nil {
			return nil, err
		}
		return &tls.Config{
			Certificates: []tls.Certificate{cert},
			NextProtos:   []string{"sfu-core"},
		}, nil
	}

	cert, err := tls.LoadX509KeyPair(certPath, keyPath)
	if err != nil {
		return nil, err
	}
	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		NextProtos:   []string{"sfu-core"},
	}, nil
}
