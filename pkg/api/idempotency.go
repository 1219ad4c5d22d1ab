package api

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/Mindburn-Labs/tel/pkg/digest"
)

// IdempotencyKeyHeader lets clients retry POSTs that create server-side
// artifacts (checkpoints, bundles) without creating them twice.
const IdempotencyKeyHeader = "Idempotency-Key"

const maxIdempotentBody = 1 << 20

// replay is one remembered 2xx answer, bound to the request body that
// produced it.
type replay struct {
	request digest.Digest
	status  int
	header  http.Header
	body    []byte
	expires time.Time
}

// IdempotencyStore remembers successful POST responses per path and key.
type IdempotencyStore struct {
	mu      sync.Mutex
	entries map[string]*replay
	ttl     time.Duration
	clock   func() time.Time
}

// NewIdempotencyStore keeps responses for ttl. Run evicts stale ones.
func NewIdempotencyStore(ttl time.Duration) *IdempotencyStore {
	return &IdempotencyStore{
		entries: make(map[string]*replay),
		ttl:     ttl,
		clock:   time.Now,
	}
}

func (s *IdempotencyStore) Run(ctx context.Context) {
	ticker := time.NewTicker(s.ttl)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.evict()
		}
	}
}

func (s *IdempotencyStore) evict() {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.clock()
	for k, e := range s.entries {
		if !now.Before(e.expires) {
			delete(s.entries, k)
		}
	}
}

func (s *IdempotencyStore) lookup(key string) *replay {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[key]
	if !ok || !s.clock().Before(e.expires) {
		return nil
	}
	return e
}

func (s *IdempotencyStore) remember(key string, e *replay) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e.expires = s.clock().Add(s.ttl)
	s.entries[key] = e
}

// captureWriter tees the response body so it can be replayed later.
type captureWriter struct {
	http.ResponseWriter
	status int
	buf    bytes.Buffer
}

func (c *captureWriter) WriteHeader(code int) {
	c.status = code
	c.ResponseWriter.WriteHeader(code)
}

func (c *captureWriter) Write(b []byte) (int, error) {
	c.buf.Write(b)
	return c.ResponseWriter.Write(b)
}

// Idempotent answers a repeated POST with the same Idempotency-Key on the
// same path from the cached 2xx response. Reusing a key with a different
// request body is refused with 422.
func Idempotent(store *IdempotencyStore, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		key := r.Header.Get(IdempotencyKeyHeader)
		if key == "" || r.Method != http.MethodPost {
			next(w, r)
			return
		}
		key = r.URL.Path + "\x00" + key

		body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxIdempotentBody))
		if err != nil {
			WriteErrorR(w, r, http.StatusRequestEntityTooLarge, "Request Too Large", err.Error())
			return
		}
		r.Body = io.NopCloser(bytes.NewReader(body))
		fingerprint := digest.MustDerive(digest.SHA2_256, body)

		if prev := store.lookup(key); prev != nil {
			if !prev.request.Equal(fingerprint) {
				WriteErrorR(w, r, http.StatusUnprocessableEntity, "Idempotency Key Reused",
					"the key was first used with a different request body")
				return
			}
			for k, vals := range prev.header {
				if k == RequestIDHeader {
					continue
				}
				w.Header()[k] = vals
			}
			w.Header().Set("Idempotent-Replayed", "true")
			w.WriteHeader(prev.status)
			_, _ = w.Write(prev.body)
			return
		}

		cw := &captureWriter{ResponseWriter: w, status: http.StatusOK}
		next(cw, r)
		if cw.status >= 200 && cw.status < 300 {
			store.remember(key, &replay{
				request: fingerprint,
				status:  cw.status,
				header:  w.Header().Clone(),
				body:    cw.buf.Bytes(),
			})
		}
	}
}
