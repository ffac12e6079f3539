package api

import (
	"context"
	"crypto/subtle"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/fleetmon/fleetd/pkg/log"
	"github.com/fleetmon/fleetd/pkg/metrics"
	"github.com/fleetmon/fleetd/pkg/security"
	"github.com/fleetmon/fleetd/pkg/types"
)

const sessionCookieName = "session"

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (sr *statusRecorder) WriteHeader(status int) {
	sr.status = status
	sr.ResponseWriter.WriteHeader(status)
}

// instrument wraps the whole router: it mints a request id, logs one line
// per request and records the Prometheus counters. It runs before routing,
// so the route pattern is filled in by the router via a context slot.
func (s *Server) instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		id := uuid.New().String()

		ctx := context.WithValue(r.Context(), ctxKeyRequestID, id)
		ctx, routeSlot := withRouteSlot(ctx)
		r = r.WithContext(ctx)
		w.Header().Set("X-Request-ID", id)

		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		elapsed := time.Since(start)
		pattern := *routeSlot
		if pattern == "" {
			pattern = "unmatched"
		}
		metrics.ObserveRequest(r.Method, pattern, strconv.Itoa(rec.status), elapsed)

		logger := log.WithRequestID(id)
		logger.Info().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Str("remote", clientIP(r)).
			Int("status", rec.status).
			Dur("duration", elapsed).
			Msg("request")
	})
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// rateLimited applies the per-IP token bucket. Used on login and all
// agent routes.
func (s *Server) rateLimited(h HandlerFunc) HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request, params map[string]string) {
		if !s.limiter.Allow(clientIP(r)) {
			metrics.RateLimitedTotal.Inc()
			writeError(w, r, http.StatusTooManyRequests, errRateLimited)
			return
		}
		h(w, r, params)
	}
}

// requireAgent checks the X-API-Key header in constant time.
func (s *Server) requireAgent(h HandlerFunc) HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request, params map[string]string) {
		key := r.Header.Get("X-API-Key")
		if key == "" || subtle.ConstantTimeCompare([]byte(key), []byte(s.apiKey)) != 1 {
			writeError(w, r, http.StatusUnauthorized, errUnauthorized)
			return
		}
		h(w, r, params)
	}
}

// requireSession resolves the session cookie and slides its expiry. The
// dashboard is a JSON API, so a missing or dead session is always a 401,
// never a redirect.
func (s *Server) requireSession(h HandlerFunc) HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request, params map[string]string) {
		cookie, err := r.Cookie(sessionCookieName)
		if err != nil || cookie.Value == "" {
			writeError(w, r, http.StatusUnauthorized, errUnauthorized)
			return
		}

		sess, err := s.sessions.Resolve(r.Context(), cookie.Value)
		if err != nil {
			writeDomainError(w, r, err)
			return
		}
		if sess == nil {
			writeError(w, r, http.StatusUnauthorized, errUnauthorized)
			return
		}

		// Sliding expiry; a failed extend never fails the request.
		if err := s.sessions.Extend(r.Context(), sess.Token); err != nil {
			logger := log.WithComponent("api")
			logger.Warn().Err(err).Msg("failed to extend session")
		}

		ctx := context.WithValue(r.Context(), ctxKeySession, sess)
		h(w, r.WithContext(ctx), params)
	}
}

// requireCSRF compares the X-CSRF-Token header against the session's token
// in constant time. Applied to mutating dashboard routes only.
func (s *Server) requireCSRF(h HandlerFunc) HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request, params map[string]string) {
		sess := sessionFrom(r)
		if sess == nil {
			writeError(w, r, http.StatusUnauthorized, errUnauthorized)
			return
		}
		if !security.TokensEqual(r.Header.Get("X-CSRF-Token"), sess.CSRFToken) {
			writeError(w, r, http.StatusForbidden, errForbidden)
			return
		}
		h(w, r, params)
	}
}

func sessionFrom(r *http.Request) *types.Session {
	sess, _ := r.Context().Value(ctxKeySession).(*types.Session)
	return sess
}
