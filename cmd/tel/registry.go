package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/Mindburn-Labs/tel/pkg/api"
	"github.com/Mindburn-Labs/tel/pkg/config"
	pqtls "github.com/Mindburn-Labs/tel/pkg/crypto/tls"
	"github.com/Mindburn-Labs/tel/pkg/event"
	"github.com/Mindburn-Labs/tel/pkg/ledger"
	"github.com/Mindburn-Labs/tel/pkg/store"
	"github.com/Mindburn-Labs/tel/pkg/tel"
)

// registryOptions maps configuration onto manager options.
func registryOptions(cfg *config.Config, logger *slog.Logger, lg *ledger.Ledger) []tel.Option {
	return []tel.Option{
		tel.WithLedger(lg),
		tel.WithLogger(logger.With("component", "tel_manager")),
		tel.WithDigestAlgorithm(cfg.Digest),
		tel.WithEscrowTTL(cfg.EscrowTTL),
		tel.WithEscrowLimits(cfg.EscrowMax, cfg.EscrowTotal),
		tel.WithSweepInterval(cfg.SweepInterval),
	}
}

// openAuditLedger returns a ledger that appends to cfg.AuditLog when set,
// continuing the chain already in the file.
func openAuditLedger(cfg *config.Config) (*ledger.Ledger, func(), error) {
	lg := ledger.NewLedger()
	if cfg.AuditLog == "" {
		return lg, func() {}, nil
	}
	//nolint:gosec // operator-supplied path
	f, err := os.OpenFile(cfg.AuditLog, os.O_CREATE|os.O_RDWR|os.O_APPEND, 0o600)
	if err != nil {
		return nil, nil, fmt.Errorf("open audit log: %w", err)
	}
	entries, err := ledger.ReadEntries(f)
	if err == nil {
		err = lg.Resume(entries)
	}
	if err != nil {
		_ = f.Close()
		return nil, nil, fmt.Errorf("audit log %s: %w", cfg.AuditLog, err)
	}
	return lg.WithSink(f), func() { _ = f.Close() }, nil
}

// openLocal opens the configured store directly and recovers every member.
// Local administration must not run against a store a server is writing to.
func openLocal(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*tel.Manager, func(), error) {
	rs, err := store.Open(ctx, cfg.StoreOptions())
	if err != nil {
		return nil, nil, err
	}
	lg, closeLedger, err := openAuditLedger(cfg)
	if err != nil {
		_ = rs.Close()
		return nil, nil, err
	}
	m := tel.NewManager(rs, registryOptions(cfg, logger, lg)...)
	report, err := m.Load(ctx)
	if err != nil {
		_ = m.Close()
		closeLedger()
		return nil, nil, err
	}
	for id, herr := range report.Halted {
		logger.WarnContext(ctx, "member halted", "member", id, "error", herr)
	}
	return m, func() { _ = m.Close(); closeLedger() }, nil
}

func cliLogger(stderr io.Writer, cfg *config.Config) *slog.Logger {
	level, _ := cfg.SlogLevel()
	if level < slog.LevelWarn {
		level = slog.LevelWarn
	}
	return slog.New(slog.NewTextHandler(stderr, &slog.HandlerOptions{Level: level}))
}

// remote talks to a running registry over HTTP.
type remote struct {
	base   string
	client *http.Client
}

// newRemote verifies https registries against cfg.TLSCA, or the system roots
// when it is unset.
func newRemote(server string, cfg *config.Config) (*remote, error) {
	u, err := url.Parse(server)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("invalid server url %q", server)
	}
	client := &http.Client{Timeout: 30 * time.Second}
	if u.Scheme == "https" {
		tlsCfg, err := pqtls.ClientConfig(cfg.TLSCA)
		if err != nil {
			return nil, err
		}
		client.Transport = &http.Transport{TLSClientConfig: tlsCfg}
	}
	return &remote{
		base:   strings.TrimSuffix(u.String(), "/"),
		client: client,
	}, nil
}

func (r *remote) do(ctx context.Context, method, path, contentType string, body []byte, out any) error {
	req, err := http.NewRequestWithContext(ctx, method, r.base+path, bytes.NewReader(body))
	if err != nil {
		return err
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	resp, err := r.client.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= 300 {
		var problem api.ProblemDetail
		if err := json.NewDecoder(resp.Body).Decode(&problem); err == nil && problem.Title != "" {
			return &problem
		}
		return fmt.Errorf("%s %s: %s", method, path, resp.Status)
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func memberPath(id string, suffix string) string {
	return "/v1/members/" + url.PathEscape(id) + suffix
}

func (r *remote) member(ctx context.Context, id string) (*api.MemberView, error) {
	var view api.MemberView
	if err := r.do(ctx, http.MethodGet, memberPath(id, ""), "", nil, &view); err != nil {
		return nil, err
	}
	return &view, nil
}

func (r *remote) submit(ctx context.Context, id string, e *event.Event) (*api.SubmitResponse, error) {
	rec, err := event.Marshal(e)
	if err != nil {
		return nil, err
	}
	var out api.SubmitResponse
	if err := r.do(ctx, http.MethodPost, memberPath(id, "/events"), "application/octet-stream", rec, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (r *remote) events(ctx context.Context, id string) ([]*event.Event, error) {
	var out api.EventsResponse
	if err := r.do(ctx, http.MethodGet, memberPath(id, "/log"), "", nil, &out); err != nil {
		return nil, err
	}
	return out.Events, nil
}

func (r *remote) checkpoint(ctx context.Context) (*tel.Checkpoint, error) {
	var cp tel.Checkpoint
	if err := r.do(ctx, http.MethodPost, "/v1/checkpoints", "application/json", nil, &cp); err != nil {
		return nil, err
	}
	return &cp, nil
}

func (r *remote) audit(ctx context.Context, id string) error {
	return r.do(ctx, http.MethodPost, memberPath(id, "/audit"), "application/json", nil, nil)
}
