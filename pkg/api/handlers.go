package api

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/Mindburn-Labs/tel/pkg/artifacts"
	"github.com/Mindburn-Labs/tel/pkg/bundle"
	"github.com/Mindburn-Labs/tel/pkg/crypto"
	"github.com/Mindburn-Labs/tel/pkg/event"
	"github.com/Mindburn-Labs/tel/pkg/merkle"
	"github.com/Mindburn-Labs/tel/pkg/observability"
	"github.com/Mindburn-Labs/tel/pkg/tel"
)

const (
	maxEventBody  = 1 << 20
	maxBundleBody = 256 << 20

	contentTypeRecord = "application/octet-stream"
	contentTypeBundle = "application/vnd.tel.bundle"
)

// Server exposes a tel.Manager over HTTP.
type Server struct {
	manager *tel.Manager
	logger  *slog.Logger

	// Bundle export and import are enabled when bundles and exporter are set.
	bundles  artifacts.Store
	exporter crypto.Signer
	keyID    string
	trusted  *crypto.KeyRing
	registry string

	limiter *GlobalRateLimiter
	idem    *IdempotencyStore
	obs     *observability.Provider

	mu     sync.RWMutex
	latest *tel.Checkpoint
}

// ServerOption configures a Server.
type ServerOption func(*Server)

// WithServerLogger sets the logger.
func WithServerLogger(l *slog.Logger) ServerOption {
	return func(s *Server) { s.logger = l }
}

// WithBundles enables bundle export to store, signed by exporter under keyID.
// Imports are accepted when signed by a key in trusted.
func WithBundles(store artifacts.Store, exporter crypto.Signer, keyID, registry string, trusted *crypto.KeyRing) ServerOption {
	return func(s *Server) {
		s.bundles = store
		s.exporter = exporter
		s.keyID = keyID
		s.registry = registry
		s.trusted = trusted
	}
}

// WithRateLimiter enforces per-client limits on every route but /health.
func WithRateLimiter(rl *GlobalRateLimiter) ServerOption {
	return func(s *Server) { s.limiter = rl }
}

// WithObservability records RED metrics and spans for every request.
func WithObservability(p *observability.Provider) ServerOption {
	return func(s *Server) { s.obs = p }
}

// WithIdempotency replays POST responses that carry a repeated
// Idempotency-Key.
func WithIdempotency(store *IdempotencyStore) ServerOption {
	return func(s *Server) { s.idem = store }
}

// NewServer creates a server for m.
func NewServer(m *tel.Manager, opts ...ServerOption) *Server {
	s := &Server{manager: m, logger: slog.Default()}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// RegisterRoutes registers the registry API routes on the given mux.
func (s *Server) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /v1/members", s.handleMembers)
	mux.HandleFunc("GET /v1/members/{id}", s.handleMember)
	mux.HandleFunc("POST /v1/members/{id}/events", s.handleSubmit)
	mux.HandleFunc("GET /v1/members/{id}/state", s.handleState)
	mux.HandleFunc("GET /v1/members/{id}/log", s.handleLog)
	mux.HandleFunc("GET /v1/members/{id}/escrow", s.handleEscrow)
	mux.HandleFunc("POST /v1/members/{id}/audit", s.handleAudit)

	mux.HandleFunc("POST /v1/checkpoints", s.idempotent(s.handleCheckpoint))
	mux.HandleFunc("GET /v1/checkpoints/latest", s.handleLatestCheckpoint)
	mux.HandleFunc("GET /v1/checkpoints/latest/proofs/{id}", s.handleProof)

	mux.HandleFunc("POST /v1/bundles", s.idempotent(s.handleExport))
	mux.HandleFunc("GET /v1/bundles/{ref}", s.handleGetBundle)
	mux.HandleFunc("POST /v1/bundles/import", s.handleImport)
}

// Handler returns the full HTTP handler with middleware applied.
func (s *Server) Handler() http.Handler {
	api := http.NewServeMux()
	s.RegisterRoutes(api)

	var h http.Handler = api
	if s.limiter != nil {
		h = s.limiter.Middleware(h)
	}

	root := http.NewServeMux()
	root.HandleFunc("GET /health", s.handleHealth)
	root.Handle("/", h)

	var out http.Handler = AccessLog(s.logger)(root)
	if s.obs != nil {
		out = Instrument(s.obs)(out)
	}
	return RequestID(out)
}

func (s *Server) idempotent(h http.HandlerFunc) http.HandlerFunc {
	if s.idem == nil {
		return h
	}
	return Idempotent(s.idem, h)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":   "ok",
		"members":  len(s.manager.Members()),
		"escrowed": s.manager.EscrowSize(),
	})
}

func (s *Server) handleMembers(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"members": s.manager.Members()})
}

// EventsResponse carries a member's log or escrowed events.
type EventsResponse struct {
	Member string         `json:"member"`
	Events []*event.Event `json:"events"`
}

// MemberView summarizes one member log.
type MemberView struct {
	Member   string    `json:"member"`
	State    tel.State `json:"state"`
	Length   int       `json:"length"`
	Head     string    `json:"head,omitempty"`
	Escrowed int       `json:"escrowed"`
	Halted   string    `json:"halted,omitempty"`
}

func (s *Server) handleMember(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	view := MemberView{Member: id}

	if h := s.manager.Halted(id); h != nil {
		view.Halted = h.Error()
		writeJSON(w, http.StatusOK, view)
		return
	}
	snap, err := s.manager.Log(id)
	if err != nil {
		WriteTELError(w, r, err)
		return
	}
	view.State = snap.State()
	view.Length = snap.Len()
	if head, ok := snap.Head(); ok {
		view.Head = head.String()
	}
	if held, err := s.manager.Escrowed(id); err == nil {
		view.Escrowed = len(held)
	}
	writeJSON(w, http.StatusOK, view)
}

// SubmitResponse is the body returned for an accepted event.
type SubmitResponse struct {
	tel.Outcome
	Rejected []string `json:"rejected,omitempty"`
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	r.Body = http.MaxBytesReader(w, r.Body, maxEventBody)

	e, err := decodeEvent(r)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			WriteError(w, http.StatusRequestEntityTooLarge, "Request Entity Too Large", err.Error())
			return
		}
		WriteTELError(w, r, err)
		return
	}

	out, err := s.manager.SubmitEvent(r.Context(), id, e)
	if err != nil {
		WriteTELError(w, r, err)
		return
	}

	resp := SubmitResponse{Outcome: out}
	for _, rej := range out.Rejected {
		resp.Rejected = append(resp.Rejected, rej.Error())
	}
	status := http.StatusCreated
	if out.Kind == tel.Escrowed {
		status = http.StatusAccepted
	}
	writeJSON(w, status, resp)
}

// decodeEvent reads an event either as its binary record or as JSON.
func decodeEvent(r *http.Request) (*event.Event, error) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		return nil, err
	}
	ct, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if ct == contentTypeRecord {
		return event.Unmarshal(body)
	}
	e := &event.Event{}
	if err := json.Unmarshal(body, e); err != nil {
		if errors.Is(err, event.ErrMalformed) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %v", event.ErrMalformed, err)
	}
	return e, nil
}

func (s *Server) handleState(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	state, err := s.manager.GetState(id)
	if err != nil {
		WriteTELError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"member": id, "state": state})
}

// handleLog returns the member's events, optionally those after ?after=<seq>.
// With Accept: application/octet-stream it streams length-prefixed records.
func (s *Server) handleLog(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	events, err := s.manager.GetLog(id)
	if err != nil {
		WriteTELError(w, r, err)
		return
	}
	if v := r.URL.Query().Get("after"); v != "" {
		after, err := strconv.ParseUint(v, 10, 64)
		if err != nil {
			WriteBadRequest(w, "after must be a sequence number")
			return
		}
		if len(events) == 0 || after >= uint64(len(events)-1) {
			events = nil
		} else {
			events = events[after+1:]
		}
	}

	if accept, _, _ := mime.ParseMediaType(r.Header.Get("Accept")); accept == contentTypeRecord {
		w.Header().Set("Content-Type", contentTypeRecord)
		for _, e := range events {
			rec, err := event.Marshal(e)
			if err != nil {
				s.logger.ErrorContext(r.Context(), "encode record", "member", id, "sequence", e.Sequence, "error", err)
				return
			}
			frame := binary.BigEndian.AppendUint32(make([]byte, 0, 4+len(rec)), uint32(len(rec)))
			if _, err := w.Write(append(frame, rec...)); err != nil {
				return
			}
		}
		return
	}
	if events == nil {
		events = []*event.Event{}
	}
	writeJSON(w, http.StatusOK, EventsResponse{Member: id, Events: events})
}

func (s *Server) handleEscrow(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	held, err := s.manager.Escrowed(id)
	if err != nil {
		WriteTELError(w, r, err)
		return
	}
	if held == nil {
		held = []*event.Event{}
	}
	writeJSON(w, http.StatusOK, EventsResponse{Member: id, Events: held})
}

func (s *Server) handleAudit(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.manager.Audit(r.Context(), id); err != nil {
		WriteTELError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"member": id, "status": "verified"})
}

func (s *Server) handleCheckpoint(w http.ResponseWriter, r *http.Request) {
	cp, err := s.manager.Checkpoint(r.Context())
	if err != nil {
		WriteTELError(w, r, err)
		return
	}
	s.mu.Lock()
	s.latest = cp
	s.mu.Unlock()
	writeJSON(w, http.StatusCreated, cp)
}

func (s *Server) latestCheckpoint() *tel.Checkpoint {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.latest
}

func (s *Server) handleLatestCheckpoint(w http.ResponseWriter, r *http.Request) {
	cp := s.latestCheckpoint()
	if cp == nil {
		WriteNotFound(w, "no checkpoint has been taken")
		return
	}
	writeJSON(w, http.StatusOK, cp)
}

// ProofResponse pairs a checkpoint leaf with its inclusion proof.
type ProofResponse struct {
	Root  string                `json:"root"`
	Leaf  tel.CheckpointLeaf    `json:"leaf"`
	Proof merkle.InclusionProof `json:"proof"`
}

func (s *Server) handleProof(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	cp := s.latestCheckpoint()
	if cp == nil {
		WriteNotFound(w, "no checkpoint has been taken")
		return
	}
	for _, leaf := range cp.Members {
		if leaf.Member != id {
			continue
		}
		proof, err := cp.Prove(id)
		if err != nil {
			WriteInternal(w, err)
			return
		}
		writeJSON(w, http.StatusOK, ProofResponse{Root: cp.Root, Leaf: leaf, Proof: proof})
		return
	}
	WriteNotFound(w, fmt.Sprintf("member %q is not in the latest checkpoint", id))
}

// ExportRequest selects members for a bundle. Empty exports every live member.
type ExportRequest struct {
	Members []string `json:"members"`
}

// ExportResponse names a stored bundle.
type ExportResponse struct {
	Ref      string          `json:"ref"`
	Manifest bundle.Manifest `json:"manifest"`
}

func (s *Server) bundlesEnabled(w http.ResponseWriter) bool {
	if s.bundles == nil || s.exporter == nil {
		WriteError(w, http.StatusNotImplemented, "Not Implemented", "bundle storage is not configured")
		return false
	}
	return true
}

func (s *Server) handleExport(w http.ResponseWriter, r *http.Request) {
	if !s.bundlesEnabled(w) {
		return
	}
	var req ExportRequest
	if r.ContentLength != 0 {
		r.Body = http.MaxBytesReader(w, r.Body, maxEventBody)
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
			WriteBadRequest(w, "invalid request body")
			return
		}
	}

	b, err := bundle.Build(s.manager, s.exporter, s.keyID, bundle.Options{
		Registry: s.registry,
		Members:  req.Members,
		Clock:    time.Now,
	})
	if err != nil {
		WriteTELError(w, r, err)
		return
	}
	ref, err := artifacts.PutBundle(r.Context(), s.bundles, b)
	if err != nil {
		WriteTELError(w, r, err)
		return
	}
	s.logger.InfoContext(r.Context(), "bundle exported",
		"ref", ref, "members", len(b.Manifest.Members), "events", b.Events())
	writeJSON(w, http.StatusCreated, ExportResponse{Ref: ref, Manifest: b.Manifest})
}

func (s *Server) handleGetBundle(w http.ResponseWriter, r *http.Request) {
	if !s.bundlesEnabled(w) {
		return
	}
	data, err := s.bundles.Get(r.Context(), r.PathValue("ref"))
	if err != nil {
		WriteTELError(w, r, err)
		return
	}
	w.Header().Set("Content-Type", contentTypeBundle)
	w.Header().Set("Content-Length", strconv.Itoa(len(data)))
	_, _ = w.Write(data)
}

// ImportResponse reports a verified and applied bundle.
type ImportResponse struct {
	Verified *bundle.Report       `json:"verified"`
	Applied  *bundle.ImportReport `json:"applied"`
}

func (s *Server) handleImport(w http.ResponseWriter, r *http.Request) {
	if s.trusted == nil {
		WriteError(w, http.StatusNotImplemented, "Not Implemented", "no trusted exporter keys are configured")
		return
	}
	r.Body = http.MaxBytesReader(w, r.Body, maxBundleBody)
	data, err := io.ReadAll(r.Body)
	if err != nil {
		WriteBadRequest(w, "could not read bundle")
		return
	}
	b, err := bundle.Decode(data)
	if err != nil {
		WriteTELError(w, r, err)
		return
	}
	verified, err := bundle.Verify(b, s.trusted)
	if err != nil {
		WriteTELError(w, r, err)
		return
	}
	applied, err := bundle.Import(r.Context(), s.manager, b)
	if err != nil {
		WriteTELError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ImportResponse{Verified: verified, Applied: applied})
}
