// Package routing assigns object keys to pipelines by prefix.
package routing

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

// ErrNoRoute is returned when a key matches no configured prefix.
var ErrNoRoute = errors.New("no pipeline matches key")

// ErrConflictingRoutes is returned when two routes cannot coexist.
var ErrConflictingRoutes = errors.New("conflicting pipeline routes")

// Route binds a pipeline to the key prefix it watches.
type Route struct {
	Pipeline string `yaml:"pipeline"`
	Prefix   string `yaml:"prefix"`
}

// Contains returns true if the key falls under this route's prefix.
func (r Route) Contains(key string) bool {
	return strings.HasPrefix(key, r.Prefix)
}

// Router resolves keys to routes by longest matching prefix, so a nested
// prefix takes its keys away from the enclosing one.
type Router struct {
	routes []Route
}

// NewRouter validates routes and builds a router.
func NewRouter(routes []Route) (*Router, error) {
	if len(routes) == 0 {
		return nil, errors.New("at least one route must be configured")
	}

	sorted := make([]Route, len(routes))
	copy(sorted, routes)
	sort.Slice(sorted, func(i, j int) bool {
		if len(sorted[i].Prefix) != len(sorted[j].Prefix) {
			return len(sorted[i].Prefix) > len(sorted[j].Prefix)
		}
		return sorted[i].Prefix < sorted[j].Prefix
	})

	names := make(map[string]bool, len(sorted))
	prefixes := make(map[string]string, len(sorted))
	for _, r := range sorted {
		if r.Pipeline == "" {
			return nil, fmt.Errorf("%w: route for prefix %q has no pipeline", ErrConflictingRoutes, r.Prefix)
		}
		if r.Prefix == "" {
			return nil, fmt.Errorf("%w: pipeline %q has an empty prefix", ErrConflictingRoutes, r.Pipeline)
		}
		if names[r.Pipeline] {
			return nil, fmt.Errorf("%w: pipeline %q configured twice", ErrConflictingRoutes, r.Pipeline)
		}
		if other, ok := prefixes[r.Prefix]; ok {
			return nil, fmt.Errorf("%w: pipelines %q and %q both watch %q",
				ErrConflictingRoutes, other, r.Pipeline, r.Prefix)
		}
		names[r.Pipeline] = true
		prefixes[r.Prefix] = r.Pipeline
	}

	return &Router{routes: sorted}, nil
}

// Route returns the most specific route containing key.
func (r *Router) Route(key string) (Route, error) {
	for _, rt := range r.routes {
		if rt.Contains(key) {
			return rt, nil
		}
	}
	return Route{}, fmt.Errorf("%w: %s", ErrNoRoute, key)
}

// Owns reports whether key routes to the named pipeline.
func (r *Router) Owns(pipeline, key string) bool {
	rt, err := r.Route(key)
	return err == nil && rt.Pipeline == pipeline
}
