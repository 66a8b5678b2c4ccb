package router

import (
	"encoding/json"
	"sync"

	"github.com/gobwas/glob"

	"github.com/emberq/emberq/pkg/core"
)

// RouteFunc is a pure function from (name, args) to a queue name.
// It must not perform I/O. An empty result means "no match".
type RouteFunc func(name string, args []json.RawMessage) string

// staticRoute is an exact or glob predicate over the task name.
type staticRoute struct {
	pattern string
	glob    glob.Glob // nil for exact matches
	queue   string
}

func (r *staticRoute) matches(name string) bool {
	if r.glob != nil {
		return r.glob.Match(name)
	}
	return r.pattern == name
}

// Router resolves the destination queue for a submission.
type Router struct {
	mu           sync.RWMutex
	static       []*staticRoute
	fns          []RouteFunc
	defaultQueue string
}

// New creates a router with an optional default queue.
func New(defaultQueue string) *Router {
	return &Router{defaultQueue: defaultQueue}
}

// AddExact routes tasks with exactly the given name.
func (r *Router) AddExact(name, queue string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.static = append(r.static, &staticRoute{pattern: name, queue: queue})
}

// AddGlob routes tasks matching a glob pattern. `*` matches any run of
// characters within a dot-separated name segment, `?` matches a single
// character; the pattern is anchored over the whole name.
func (r *Router) AddGlob(pattern, queue string) error {
	g, err := glob.Compile(pattern, '.')
	if err != nil {
		return core.Configf("invalid route pattern %q: %v", pattern, err)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.static = append(r.static, &staticRoute{pattern: pattern, glob: g, queue: queue})
	return nil
}

// AddFunc appends a functional route.
func (r *Router) AddFunc(fn RouteFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.fns = append(r.fns, fn)
}

// SetDefault sets the fallback queue.
func (r *Router) SetDefault(queue string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.defaultQueue = queue
}

// Resolve returns the destination queue for (name, args).
// Static routes win over functional routes; insertion order decides ties.
// With no match and no default queue configured, a ConfigError is returned.
func (r *Router) Resolve(name string, args []json.RawMessage) (string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, route := range r.static {
		if route.matches(name) {
			return route.queue, nil
		}
	}
	for _, fn := range r.fns {
		if q := fn(name, args); q != "" {
			return q, nil
		}
	}
	if r.defaultQueue != "" {
		return r.defaultQueue, nil
	}
	return "", core.Configf("no route for task %q and no default queue", name)
}
