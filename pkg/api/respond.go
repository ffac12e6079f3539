package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/fleetmon/fleetd/pkg/coord"
	"github.com/fleetmon/fleetd/pkg/log"
	"github.com/fleetmon/fleetd/pkg/security"
	"github.com/fleetmon/fleetd/pkg/store"
)

// Error kinds carried in the JSON error body. Clients branch on these, so
// they are part of the API contract.
const (
	errUnauthorized       = "unauthorized"
	errForbidden          = "forbidden"
	errNotFound           = "not_found"
	errMethodNotAllowed   = "method_not_allowed"
	errBadRequest         = "bad_request"
	errConflict           = "conflict"
	errRateLimited        = "rate_limited"
	errBackendUnavailable = "backend_unavailable"
	errInternal           = "internal"
)

type ctxKey int

const (
	ctxKeyRequestID ctxKey = iota
	ctxKeySession
	ctxKeyRoute
)

// requestID returns the id minted by the logging middleware, or "" for
// requests that bypassed it (tests hitting handlers directly).
func requestID(r *http.Request) string {
	id, _ := r.Context().Value(ctxKeyRequestID).(string)
	return id
}

func setRoutePattern(r *http.Request, pattern string) {
	if p, ok := r.Context().Value(ctxKeyRoute).(*string); ok {
		*p = pattern
	}
}

func withRouteSlot(ctx context.Context) (context.Context, *string) {
	slot := new(string)
	return context.WithValue(ctx, ctxKeyRoute, slot), slot
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger := log.WithComponent("api")
		logger.Error().Err(err).Msg("failed to encode response")
	}
}

func writeError(w http.ResponseWriter, r *http.Request, status int, kind string) {
	writeJSON(w, status, map[string]string{
		"error":      kind,
		"request_id": requestID(r),
	})
}

// writeDomainError maps a service-layer error onto the API error table.
func writeDomainError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, store.ErrUnknownMachine):
		writeError(w, r, http.StatusNotFound, errNotFound)
	case errors.Is(err, store.ErrBadCommand):
		writeError(w, r, http.StatusNotFound, errNotFound)
	case errors.Is(err, store.ErrResultTooLarge):
		writeError(w, r, http.StatusBadRequest, errBadRequest)
	case errors.Is(err, security.ErrDecrypt):
		writeError(w, r, http.StatusBadRequest, errBadRequest)
	case errors.Is(err, security.ErrBadCredentials):
		writeError(w, r, http.StatusUnauthorized, errUnauthorized)
	case errors.Is(err, coord.ErrUnavailable):
		writeError(w, r, http.StatusServiceUnavailable, errBackendUnavailable)
	default:
		logger := log.WithComponent("api")
		logger.Error().
			Str("request_id", requestID(r)).
			Err(err).
			Msg("request failed")
		writeError(w, r, http.StatusInternalServerError, errInternal)
	}
}
