package api_test

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/tel/pkg/api"
	"github.com/Mindburn-Labs/tel/pkg/bundle"
	"github.com/Mindburn-Labs/tel/pkg/tel"
)

func decodeProblem(t *testing.T, w *httptest.ResponseRecorder) api.ProblemDetail {
	t.Helper()
	require.Equal(t, "application/problem+json", w.Header().Get("Content-Type"))
	var problem api.ProblemDetail
	require.NoError(t, json.NewDecoder(w.Body).Decode(&problem))
	require.Equal(t, w.Code, problem.Status)
	return problem
}

func TestWriters(t *testing.T) {
	tests := []struct {
		name   string
		write  func(w http.ResponseWriter)
		status int
		typ    string
	}{
		{"bad request", func(w http.ResponseWriter) { api.WriteBadRequest(w, "member id is empty") }, http.StatusBadRequest, "urn:tel:problem:http-400"},
		{"not found", func(w http.ResponseWriter) { api.WriteNotFound(w, "no member bob") }, http.StatusNotFound, "urn:tel:problem:http-404"},
		{"method", func(w http.ResponseWriter) { api.WriteMethodNotAllowed(w) }, http.StatusMethodNotAllowed, "urn:tel:problem:http-405"},
		{"conflict", func(w http.ResponseWriter) { api.WriteConflict(w, "member halted") }, http.StatusConflict, "urn:tel:problem:http-409"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := httptest.NewRecorder()
			tt.write(w)
			assert.Equal(t, tt.status, w.Code)
			assert.Equal(t, tt.typ, decodeProblem(t, w).Type)
		})
	}
}

func TestWriteInternal_SanitizesError(t *testing.T) {
	w := httptest.NewRecorder()
	api.WriteInternal(w, errors.New("pq: connection refused to host=10.0.0.1"))
	problem := decodeProblem(t, w)
	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.NotContains(t, problem.Detail, "10.0.0.1")
}

func TestWriteTooManyRequests_RetryAfter(t *testing.T) {
	w := httptest.NewRecorder()
	api.WriteTooManyRequests(w, 30)
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Equal(t, "30", w.Header().Get("Retry-After"))
}

func TestWriteErrorR_CarriesRequestID(t *testing.T) {
	req := httptest.NewRequest("GET", "/v1/members/alice", nil)
	w := httptest.NewRecorder()
	w.Header().Set(api.RequestIDHeader, "req-123")
	api.WriteErrorR(w, req, http.StatusBadRequest, "Bad Request", "bad input")

	problem := decodeProblem(t, w)
	assert.Equal(t, "/v1/members/alice", problem.Instance)
	assert.Equal(t, "req-123", problem.TraceID)
	assert.Equal(t, "Bad Request: bad input", problem.Error())
}

func TestWriteTELError_Mapping(t *testing.T) {
	tests := []struct {
		err    error
		status int
		reason string
	}{
		{&tel.RejectionError{Kind: tel.ErrStaleOrForked, Member: "m", Sequence: 3}, http.StatusConflict, "stale_or_forked"},
		{&tel.RejectionError{Kind: tel.ErrDuplicateEvent, Member: "m"}, http.StatusConflict, "duplicate"},
		{&tel.RejectionError{Kind: tel.ErrInvalidSignature, Member: "m"}, http.StatusUnprocessableEntity, "invalid_signature"},
		{fmt.Errorf("%w: m", tel.ErrUnknownMember), http.StatusNotFound, ""},
		{tel.ErrEscrowFull, http.StatusServiceUnavailable, "escrow_full"},
		{fmt.Errorf("%w: nope", bundle.ErrBadSignature), http.StatusUnprocessableEntity, "bundle_unverified"},
	}
	for _, tt := range tests {
		t.Run(tt.err.Error(), func(t *testing.T) {
			req := httptest.NewRequest("POST", "/v1/members/m/events", nil)
			w := httptest.NewRecorder()
			api.WriteTELError(w, req, tt.err)

			if w.Code != tt.status {
				t.Fatalf("expected status %d, got %d", tt.status, w.Code)
			}
			var problem api.ProblemDetail
			if err := json.NewDecoder(w.Body).Decode(&problem); err != nil {
				t.Fatalf("failed to decode response: %v", err)
			}
			if problem.Reason != tt.reason {
				t.Errorf("expected reason %q, got %q", tt.reason, problem.Reason)
			}
			if problem.Detail != tt.err.Error() {
				t.Errorf("expected detail %q, got %q", tt.err.Error(), problem.Detail)
			}
		})
	}
}

func TestWriteTELError_UnknownIsInternal(t *testing.T) {
	req := httptest.NewRequest("GET", "/v1/members", nil)
	w := httptest.NewRecorder()
	api.WriteTELError(w, req, errors.New("dial tcp 10.0.0.5:5432: connection refused"))

	if w.Code != http.StatusInternalServerError {
		t.Fatalf("expected status 500, got %d", w.Code)
	}
	var problem api.ProblemDetail
	if err := json.NewDecoder(w.Body).Decode(&problem); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if problem.Detail == "dial tcp 10.0.0.5:5432: connection refused" {
		t.Error("internal error details leaked to client")
	}
}
