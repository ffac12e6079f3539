package api

import (
	"net/http"
	"strings"
)

// HandlerFunc is an API handler. params holds the values captured by the
// route pattern's {name} segments.
type HandlerFunc func(w http.ResponseWriter, r *http.Request, params map[string]string)

type segment struct {
	literal string
	param   string
}

type route struct {
	method   string
	pattern  string
	segments []segment
	handler  HandlerFunc
}

// Router dispatches requests against patterns like /api/fleet/machine/{id}.
// Patterns never overlap, so first match wins; a path that matches with the
// wrong method yields 405.
type Router struct {
	routes []*route
}

// NewRouter creates an empty router.
func NewRouter() *Router {
	return &Router{}
}

// Handle registers a handler for a method and pattern. Patterns are split
// into literal and {param} segments at registration time.
func (rt *Router) Handle(method, pattern string, h HandlerFunc) {
	parts := strings.Split(strings.Trim(pattern, "/"), "/")
	segs := make([]segment, 0, len(parts))
	for _, p := range parts {
		if strings.HasPrefix(p, "{") && strings.HasSuffix(p, "}") {
			segs = append(segs, segment{param: p[1 : len(p)-1]})
		} else {
			segs = append(segs, segment{literal: p})
		}
	}
	rt.routes = append(rt.routes, &route{
		method:   method,
		pattern:  pattern,
		segments: segs,
		handler:  h,
	})
}

// ServeHTTP implements http.Handler.
func (rt *Router) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	parts := strings.Split(strings.Trim(r.URL.Path, "/"), "/")

	pathMatched := false
	for _, candidate := range rt.routes {
		params, ok := candidate.match(parts)
		if !ok {
			continue
		}
		pathMatched = true
		if candidate.method != r.Method {
			continue
		}
		setRoutePattern(r, candidate.pattern)
		candidate.handler(w, r, params)
		return
	}

	if pathMatched {
		writeError(w, r, http.StatusMethodNotAllowed, errMethodNotAllowed)
		return
	}
	writeError(w, r, http.StatusNotFound, errNotFound)
}

func (ro *route) match(parts []string) (map[string]string, bool) {
	if len(parts) != len(ro.segments) {
		return nil, false
	}
	var params map[string]string
	for i, seg := range ro.segments {
		if seg.param != "" {
			if parts[i] == "" {
				return nil, false
			}
			if params == nil {
				params = make(map[string]string)
			}
			params[seg.param] = parts[i]
			continue
		}
		if seg.literal != parts[i] {
			return nil, false
		}
	}
	return params, true
}
