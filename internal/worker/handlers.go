package worker

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	json "github.com/goccy/go-json"
	"github.com/rs/zerolog/log"

	"github.com/thebtf/chronicle/internal/query"
)

// queryRequest is the body of POST /api/query.
type queryRequest struct {
	SQL   string `json:"sql"`
	Limit int    `json:"limit,omitempty"`
}

// queryResponse is the success payload.
type queryResponse struct {
	Query    string           `json:"query"`
	RowCount int              `json:"rowCount"`
	Results  []map[string]any `json:"results"`
}

// errorPayload is the structured failure shape. Kind is stable and
// machine-readable; Message is for humans.
type errorPayload struct {
	Kind         string `json:"kind"`
	Message      string `json:"message"`
	RetryAfterMs int64  `json:"retryAfterMs,omitempty"`
}

const (
	errKindBadRequest  = "bad_request"
	errKindNotRead     = "not_read_only"
	errKindForbidden   = "forbidden_statement"
	errKindRateLimited = "rate_limited"
	errKindExecution   = "query_failed"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error().Err(err).Msg("Failed to encode response")
	}
}

func writeError(w http.ResponseWriter, status int, payload errorPayload) {
	writeJSON(w, status, map[string]errorPayload{"error": payload})
}

func (s *Service) handleHealth(w http.ResponseWriter, r *http.Request) {
	if !s.ready.Load() || s.store.Ping() != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{"status": "unavailable"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":        "ok",
		"version":       s.version,
		"uptimeSeconds": int64(time.Since(s.startTime).Seconds()),
	})
}

func (s *Service) handleStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.reads.Stats(r.Context())
	if err != nil {
		log.Error().Err(err).Msg("Stats query failed")
		writeError(w, http.StatusInternalServerError, errorPayload{
			Kind: errKindExecution, Message: "failed to gather statistics",
		})
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *Service) handleQuery(w http.ResponseWriter, r *http.Request) {
	var req queryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, errorPayload{
			Kind: errKindBadRequest, Message: "request body must be JSON with a sql field",
		})
		return
	}

	validated, err := s.guard.Validate(req.SQL, req.Limit)
	if err != nil {
		writeError(w, http.StatusBadRequest, rejectionPayload(err))
		return
	}

	caller := callerIdentity(r)
	if allowed, retryAfter := s.limiter.Allow(caller, validated.Cost); !allowed {
		w.Header().Set("Retry-After", fmt.Sprintf("%d", int64(retryAfter.Seconds())+1))
		writeError(w, http.StatusTooManyRequests, errorPayload{
			Kind:         errKindRateLimited,
			Message:      "rate limit exceeded",
			RetryAfterMs: retryAfter.Milliseconds(),
		})
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), validated.Timeout)
	defer cancel()

	result, err := s.reads.Query(ctx, validated.SQL, validated.Args...)
	if err != nil {
		// The raw driver error stays in the log, never in the response.
		log.Error().Err(err).Str("caller", caller).Msg("Query execution failed")
		writeError(w, http.StatusUnprocessableEntity, errorPayload{
			Kind: errKindExecution, Message: "query could not be executed",
		})
		return
	}

	log.Debug().Str("caller", caller).
		Float64("complexity", validated.Complexity).
		Int("rows", result.RowCount).
		Dur("elapsed", result.Elapsed).
		Msg("Query served")

	writeJSON(w, http.StatusOK, queryResponse{
		Query:    validated.SQL,
		RowCount: result.RowCount,
		Results:  result.Rows,
	})
}

// rejectionPayload maps guard errors onto stable error kinds.
func rejectionPayload(err error) errorPayload {
	switch {
	case errors.Is(err, query.ErrNotRead):
		return errorPayload{Kind: errKindNotRead, Message: "only SELECT statements are allowed"}
	case errors.Is(err, query.ErrForbiddenKeyword), errors.Is(err, query.ErrInjectionPattern):
		return errorPayload{Kind: errKindForbidden, Message: "statement contains a disallowed construct"}
	default:
		return errorPayload{Kind: errKindBadRequest, Message: "statement was rejected"}
	}
}
