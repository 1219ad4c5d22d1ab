package main

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/Mindburn-Labs/tel/pkg/api"
	"github.com/Mindburn-Labs/tel/pkg/artifacts"
	"github.com/Mindburn-Labs/tel/pkg/config"
	"github.com/Mindburn-Labs/tel/pkg/crypto"
	pqtls "github.com/Mindburn-Labs/tel/pkg/crypto/tls"
	"github.com/Mindburn-Labs/tel/pkg/observability"
	"github.com/Mindburn-Labs/tel/pkg/store"
	"github.com/Mindburn-Labs/tel/pkg/tel"
)

const (
	exporterLabel   = "exporter"
	shutdownTimeout = 15 * time.Second
)

func runServeCmd(args []string, stdout, stderr io.Writer) int {
	fs := newFlagSet("serve", stderr)
	common := addCommonFlags(fs)
	addr := fs.String("addr", "", "listen address (overrides TEL_ADDR)")
	if code, ok := parse(fs, args); !ok {
		return code
	}
	cfg, err := common.load()
	if err != nil {
		return fail(stderr, err)
	}
	if *addr != "" {
		cfg.Addr = *addr
	}

	level, _ := cfg.SlogLevel()
	logger := slog.New(slog.NewJSONHandler(stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	ln, err := net.Listen("tcp", cfg.Addr)
	if err != nil {
		return fail(stderr, err)
	}
	if err := serve(ctx, cfg, logger, ln); err != nil {
		logger.Error("server stopped", "error", err)
		return 1
	}
	return 0
}

// serve runs the registry on ln until ctx is done.
func serve(ctx context.Context, cfg *config.Config, logger *slog.Logger, ln net.Listener) error {
	obsCfg := observability.DefaultConfig()
	obsCfg.Enabled = cfg.OTelEnabled
	obsCfg.OTLPEndpoint = cfg.OTelEndpoint
	obsCfg.ServiceVersion = version
	provider, err := observability.New(ctx, obsCfg)
	if err != nil {
		return fmt.Errorf("observability: %w", err)
	}
	defer func() { _ = provider.Shutdown(context.Background()) }()
	metrics, err := provider.TELMetrics()
	if err != nil {
		return fmt.Errorf("tel metrics: %w", err)
	}

	rs, err := store.Open(ctx, cfg.StoreOptions())
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	lg, closeLedger, err := openAuditLedger(cfg)
	if err != nil {
		_ = rs.Close()
		return err
	}
	defer closeLedger()

	m := tel.NewManager(rs, append(registryOptions(cfg, logger, lg), tel.WithRecorder(metrics))...)
	defer func() { _ = m.Close() }()

	report, err := m.Load(ctx)
	if err != nil {
		return fmt.Errorf("recover registry: %w", err)
	}
	for id, herr := range report.Halted {
		logger.WarnContext(ctx, "member halted", "member", id, "error", herr)
	}

	keys, err := crypto.NewFileKeyStore(cfg.KeyDir)
	if err != nil {
		return err
	}
	exporter, err := keys.Signer(exporterLabel, true)
	if err != nil {
		return fmt.Errorf("exporter key: %w", err)
	}
	trusted := crypto.NewKeyRing()
	if err := trusted.AddSigner(exporter); err != nil {
		return err
	}
	if err := loadTrustedKeys(filepath.Join(cfg.KeyDir, "trusted"), trusted); err != nil {
		return err
	}

	blobs, err := artifacts.Open(ctx, cfg.BundleOptions())
	if err != nil {
		return fmt.Errorf("bundle store: %w", err)
	}

	limiter := api.NewGlobalRateLimiter(cfg.RateRPS, cfg.RateBurst)
	idem := api.NewIdempotencyStore(10 * time.Minute)
	srv := api.NewServer(m,
		api.WithServerLogger(logger),
		api.WithBundles(blobs, exporter, exporter.KeyID, cfg.Registry, trusted),
		api.WithRateLimiter(limiter),
		api.WithIdempotency(idem),
		api.WithObservability(provider),
	)
	httpSrv := &http.Server{
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       time.Minute,
		WriteTimeout:      time.Minute,
	}
	if cfg.TLSCert != "" {
		if httpSrv.TLSConfig, err = pqtls.ServerConfig(cfg.TLSCert, cfg.TLSKey); err != nil {
			return err
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return m.Run(gctx) })
	g.Go(func() error { limiter.Run(gctx); return nil })
	g.Go(func() error { idem.Run(gctx); return nil })
	g.Go(func() error {
		logger.InfoContext(gctx, "registry listening",
			"addr", ln.Addr().String(), "store", cfg.Store, "members", report.Loaded, "tls", httpSrv.TLSConfig != nil)
		var err error
		if httpSrv.TLSConfig != nil {
			err = httpSrv.ServeTLS(ln, "", "")
		} else {
			err = httpSrv.Serve(ln)
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		logger.InfoContext(shutdownCtx, "shutting down")
		return httpSrv.Shutdown(shutdownCtx)
	})

	err = g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// loadTrustedKeys adds every "<key-id>.pub" file in dir, holding a hex
// Ed25519 public key, to ring. A missing dir is not an error.
func loadTrustedKeys(dir string, ring *crypto.KeyRing) error {
	entries, err := os.ReadDir(dir)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read trusted keys: %w", err)
	}
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".pub") {
			continue
		}
		raw, err := os.ReadFile(filepath.Join(dir, e.Name())) //nolint:gosec // operator-controlled dir
		if err != nil {
			return err
		}
		pub, err := hex.DecodeString(strings.TrimSpace(string(raw)))
		if err != nil {
			return fmt.Errorf("trusted key %s: %w", e.Name(), err)
		}
		if err := ring.AddKey(strings.TrimSuffix(e.Name(), ".pub"), pub); err != nil {
			return fmt.Errorf("trusted key %s: %w", e.Name(), err)
		}
	}
	return nil
}
