// Command proxy starts the double-buffer compaction proxy: the client-
// facing HTTPS listener (ProxyHandler), the dashboard HTTP/WS listener
// (DashboardPublisher), the TTL eviction loop, and graceful shutdown.
// Wiring style -- validate config, construct dependencies bottom-up,
// start listeners, wait on signals, shut down with a grace period --
// follows the framework's example main.go entrypoints
// (examples/weather-tool-v2/main.go), generalized from the framework's
// own HTTP server to this proxy's pair of listeners.
package main

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"fmt"
	"math/big"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/marklubin/doublebufferproxy/internal/checkpoint"
	"github.com/marklubin/doublebufferproxy/internal/config"
	"github.com/marklubin/doublebufferproxy/internal/dashboard"
	"github.com/marklubin/doublebufferproxy/internal/detector"
	"github.com/marklubin/doublebufferproxy/internal/engine"
	"github.com/marklubin/doublebufferproxy/internal/logger"
	"github.com/marklubin/doublebufferproxy/internal/middleware"
	"github.com/marklubin/doublebufferproxy/internal/persist"
	"github.com/marklubin/doublebufferproxy/internal/proxyhandler"
	"github.com/marklubin/doublebufferproxy/internal/store"
	"github.com/marklubin/doublebufferproxy/internal/telemetry"
	"github.com/marklubin/doublebufferproxy/internal/tokenizer"
	"github.com/marklubin/doublebufferproxy/internal/upstream"
)

// shutdownGrace bounds how long shutdown waits for the two HTTP listeners
// and the telemetry provider to stop. In-flight checkpoint tasks are
// neither cancelled nor waited for; they end with the process.
const shutdownGrace = 5 * time.Second

func main() {
	log := logger.NewDefaultLogger()

	cfg := config.Default()
	if err := cfg.LoadFromEnv(log); err != nil {
		fmt.Fprintf(os.Stderr, "config error: %v\n", err)
		os.Exit(1)
	}

	if err := run(cfg, log); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config, log logger.Logger) error {
	sizer := tokenizer.NewSizer(cfg.ModelWindows, cfg.DefaultWindow)

	var persister store.Persister
	if cfg.SQLitePath != "" {
		sq, err := persist.Open(cfg.SQLitePath)
		if err != nil {
			return fmt.Errorf("open sqlite store: %w", err)
		}
		defer sq.Close()
		persister = sq
	}

	st := store.New(sizer, log, cfg.ConversationTTL, persister)
	if err := st.Restore(context.Background()); err != nil {
		log.Error("failed to restore persisted conversations", map[string]interface{}{"error": err.Error()})
	}

	tel, err := telemetry.New()
	if err != nil {
		log.Warn("telemetry initialization failed, continuing without it", map[string]interface{}{"error": err.Error()})
	}
	if tel != nil {
		defer func() {
			ctx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
			defer cancel()
			_ = tel.Shutdown(ctx)
		}()
	}

	upstreamClient := upstream.New(cfg.UpstreamBaseURL, cfg.UpstreamAPIKey, 0)
	det := detector.New(cfg.CompactionSignatures)
	exec := checkpoint.New(upstreamClient, cfg.CompactTriggerTokens, tel)
	eng := engine.New(st, exec, det, log, engine.Config{
		CheckpointThreshold: cfg.CheckpointThreshold,
		SwapThreshold:       cfg.SwapThreshold,
		BackoffBase:         cfg.CheckpointBackoffBase,
		BackoffCap:          cfg.CheckpointBackoffCap,
		CheckpointTimeout:   cfg.CheckpointTimeout,
		Telemetry:           tel,
	})

	pub := dashboard.New(st, log)
	handler := proxyhandler.New(st, eng, upstreamClient, log, cfg.Passthrough, tel)
	handler.SetErrorNotifier(pub)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go st.RunEvictionLoop(ctx, time.Minute)

	cors := middleware.CORSConfig{Enabled: true, AllowedOrigins: []string{"*"}}

	proxySrv, err := newProxyServer(cfg, handler, log, cors)
	if err != nil {
		return fmt.Errorf("build proxy listener: %w", err)
	}
	dashSrv := newDashboardServer(cfg, pub, log, cors)

	errCh := make(chan error, 2)
	go func() {
		log.Info("proxy listener starting", map[string]interface{}{"addr": proxySrv.Addr})
		if err := proxySrv.ListenAndServeTLS("", ""); err != nil && err != http.ErrServerClosed {
			errCh <- fmt.Errorf("proxy listener: %w", err)
		}
	}()
	go func() {
		log.Info("dashboard listener starting", map[string]interface{}{"addr": dashSrv.Addr})
		if err := dashSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- fmt.Errorf("dashboard listener: %w", err)
		}
	}()

	select {
	case <-ctx.Done():
		log.Info("shutdown signal received", nil)
	case err := <-errCh:
		log.Error("listener failed", map[string]interface{}{"error": err.Error()})
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	_ = proxySrv.Shutdown(shutdownCtx)
	_ = dashSrv.Shutdown(shutdownCtx)
	return nil
}

func newProxyServer(cfg *config.Config, handler http.Handler, log logger.Logger, cors middleware.CORSConfig) (*http.Server, error) {
	cert, err := generateSelfSignedCert(cfg.Host)
	if err != nil {
		return nil, fmt.Errorf("generate self-signed certificate: %w", err)
	}

	mux := http.NewServeMux()
	mux.Handle("/", handler)

	return &http.Server{
		Addr:      fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Handler:   middleware.Chain(mux, log, false, cors),
		TLSConfig: &tls.Config{Certificates: []tls.Certificate{cert}, MinVersion: tls.VersionTLS12},
	}, nil
}

func newDashboardServer(cfg *config.Config, pub *dashboard.Publisher, log logger.Logger, cors middleware.CORSConfig) *http.Server {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", pub.HealthHandler(cfg.Passthrough))
	mux.HandleFunc("GET /dashboard/api/conversations", pub.SnapshotHandler)
	mux.HandleFunc("GET /dashboard/api/conversation/{key}", pub.DetailHandler)
	mux.HandleFunc("GET /dashboard/ws", pub.WSHandler)
	mux.HandleFunc("POST /v1/_reset", pub.ResetHandler)

	return &http.Server{
		Addr:    fmt.Sprintf("%s:%d", cfg.Host, cfg.DashPort),
		Handler: middleware.Chain(mux, log, false, cors),
	}
}

// generateSelfSignedCert creates an ephemeral, in-memory self-signed
// certificate for host, the minimal TLS termination needed to run the
// listener at all (spec.md §1 treats real CA provisioning as an external
// out-of-scope collaborator).
func generateSelfSignedCert(host string) (tls.Certificate, error) {
	priv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return tls.Certificate{}, err
	}

	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return tls.Certificate{}, err
	}

	tmpl := &x509.Certificate{
		SerialNumber:          serial,
		Subject:               pkix.Name{CommonName: "doublebufferproxy"},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(365 * 24 * time.Hour),
		KeyUsage:              x509.KeyUsageDigitalSignature | x509.KeyUsageCertSign,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
		IsCA:                  true,
		DNSNames:              []string{host, "localhost"},
	}

	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &priv.PublicKey, priv)
	if err != nil {
		return tls.Certificate{}, err
	}

	return tls.Certificate{
		Certificate: [][]byte{der},
		PrivateKey:  priv,
	}, nil
}
