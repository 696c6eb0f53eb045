package main

import "strings"

// Router matches request paths to backends by longest prefix
type Router struct {
	backends       []*Backend
	defaultBackend *Backend
}

// NewRouter builds a router from config
func NewRouter(cfg *Config) *Router {
	r := &Router{backends: cfg.sortedBackends()}
	if cfg.DefaultBackend != "" {
		r.defaultBackend = cfg.Backends[cfg.DefaultBackend]
	}
	return r
}

// Route picks the backend for a path. The boolean is false on a full
// miss with no default backend configured.
func (r *Router) Route(path string) (*Backend, bool) {
	for _, b := range r.backends {
		if strings.HasPrefix(path, b.PathPrefix) {
			return b, true
		}
	}
	if r.defaultBackend != nil {
		return r.defaultBackend, true
	}
	return nil, false
}

// RewritePath applies the backend's strip_prefix rule, keeping the
// leading slash intact.
func RewritePath(b *Backend, path string) string {
	if !b.StripPrefix {
		return path
	}
	stripped := strings.TrimPrefix(path, b.PathPrefix)
	if !strings.HasPrefix(stripped, "/") {
		stripped = "/" + stripped
	}
	return stripped
}
