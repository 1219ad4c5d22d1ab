// Package api serves the registry over HTTP. Errors are RFC 7807 problem
// documents.
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/Mindburn-Labs/tel/pkg/artifacts"
	"github.com/Mindburn-Labs/tel/pkg/bundle"
	"github.com/Mindburn-Labs/tel/pkg/crypto"
	"github.com/Mindburn-Labs/tel/pkg/digest"
	"github.com/Mindburn-Labs/tel/pkg/event"
	"github.com/Mindburn-Labs/tel/pkg/tel"
)

// ProblemDetail is the body of every non-2xx response. Type is a
// urn:tel:problem URN; Reason repeats the rejection kind for refused events
// so clients need not parse it out of Type.
type ProblemDetail struct {
	Type     string `json:"type"`
	Title    string `json:"title"`
	Status   int    `json:"status"`
	Detail   string `json:"detail,omitempty"`
	Instance string `json:"instance,omitempty"`
	TraceID  string `json:"trace_id,omitempty"`
	Reason   string `json:"reason,omitempty"`
}

func (p *ProblemDetail) Error() string {
	return fmt.Sprintf("%s: %s", p.Title, p.Detail)
}

const internalDetail = "internal error"

func problemType(status int, reason string) string {
	if reason != "" {
		return "urn:tel:problem:" + reason
	}
	return fmt.Sprintf("urn:tel:problem:http-%d", status)
}

func writeProblem(w http.ResponseWriter, problem *ProblemDetail) {
	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(problem.Status)
	_ = json.NewEncoder(w).Encode(problem)
}

// WriteError writes a problem response with no request context.
func WriteError(w http.ResponseWriter, status int, title, detail string) {
	writeProblem(w, &ProblemDetail{
		Type:   problemType(status, ""),
		Title:  title,
		Status: status,
		Detail: detail,
	})
}

// WriteErrorR is WriteError plus the request path and correlation id.
func WriteErrorR(w http.ResponseWriter, r *http.Request, status int, title, detail string) {
	writeProblem(w, &ProblemDetail{
		Type:     problemType(status, ""),
		Title:    title,
		Status:   status,
		Detail:   detail,
		Instance: r.URL.Path,
		TraceID:  w.Header().Get(RequestIDHeader),
	})
}

func WriteBadRequest(w http.ResponseWriter, detail string) {
	WriteError(w, http.StatusBadRequest, "Bad Request", detail)
}

func WriteNotFound(w http.ResponseWriter, detail string) {
	WriteError(w, http.StatusNotFound, "Not Found", detail)
}

func WriteMethodNotAllowed(w http.ResponseWriter) {
	WriteError(w, http.StatusMethodNotAllowed, "Method Not Allowed", "method not supported on this route")
}

func WriteConflict(w http.ResponseWriter, detail string) {
	WriteError(w, http.StatusConflict, "Conflict", detail)
}

// WriteTooManyRequests answers 429 and sets Retry-After in seconds.
func WriteTooManyRequests(w http.ResponseWriter, retryAfterSecs int) {
	w.Header().Set("Retry-After", fmt.Sprintf("%d", retryAfterSecs))
	WriteError(w, http.StatusTooManyRequests, "Too Many Requests", "submission rate exceeded")
}

// WriteInternal logs err and answers a generic 500; err never reaches the client.
func WriteInternal(w http.ResponseWriter, err error) {
	slog.Error("internal server error", "error", err)
	WriteError(w, http.StatusInternalServerError, "Internal Server Error", internalDetail)
}

// WriteTELError maps registry, bundle and storage errors onto problem
// responses. Unrecognized errors become a sanitized 500.
func WriteTELError(w http.ResponseWriter, r *http.Request, err error) {
	status, title, reason := classify(err)
	if status == http.StatusInternalServerError {
		slog.ErrorContext(r.Context(), "internal server error", "error", err, "path", r.URL.Path)
		WriteErrorR(w, r, status, "Internal Server Error", internalDetail)
		return
	}
	writeProblem(w, &ProblemDetail{
		Type:     problemType(status, reason),
		Title:    title,
		Status:   status,
		Detail:   err.Error(),
		Instance: r.URL.Path,
		TraceID:  w.Header().Get(RequestIDHeader),
		Reason:   reason,
	})
}

func classify(err error) (status int, title, reason string) {
	switch {
	case errors.Is(err, tel.ErrUnknownMember), errors.Is(err, artifacts.ErrNotFound):
		return http.StatusNotFound, "Not Found", ""
	case errors.Is(err, tel.ErrDuplicateEvent):
		return http.StatusConflict, "Duplicate Event", "duplicate"
	case errors.Is(err, tel.ErrStaleOrForked):
		return http.StatusConflict, "Stale Or Forked Event", "stale_or_forked"
	case errors.Is(err, tel.ErrIllegalTransition):
		return http.StatusUnprocessableEntity, "Illegal Transition", "illegal_transition"
	case errors.Is(err, tel.ErrInvalidSignature):
		return http.StatusUnprocessableEntity, "Invalid Signature", "invalid_signature"
	case errors.Is(err, crypto.ErrCrypto):
		return http.StatusUnprocessableEntity, "Crypto Error", "crypto"
	case errors.Is(err, event.ErrMalformed), errors.Is(err, digest.ErrMalformed), errors.Is(err, digest.ErrUnknownAlgorithm):
		return http.StatusBadRequest, "Malformed Event", "malformed"
	case errors.Is(err, tel.ErrEscrowFull):
		return http.StatusServiceUnavailable, "Escrow Full", "escrow_full"
	case errors.Is(err, tel.ErrCorruptLog), errors.Is(err, tel.ErrMemberHalted):
		return http.StatusConflict, "Member Halted", "corrupt_log"
	case errors.Is(err, tel.ErrClosed):
		return http.StatusServiceUnavailable, "Unavailable", ""
	case errors.Is(err, artifacts.ErrInvalidRef):
		return http.StatusBadRequest, "Bad Request", ""
	case errors.Is(err, bundle.ErrMalformedBundle), errors.Is(err, bundle.ErrIncompatibleFormat):
		return http.StatusBadRequest, "Malformed Bundle", "malformed_bundle"
	case errors.Is(err, bundle.ErrBadSignature), errors.Is(err, bundle.ErrManifestMismatch):
		return http.StatusUnprocessableEntity, "Bundle Verification Failed", "bundle_unverified"
	default:
		return http.StatusInternalServerError, "", ""
	}
}
