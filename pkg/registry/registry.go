package registry

import (
	"encoding/json"
	"regexp"
	"sync"
	"time"

	"github.com/emberq/emberq/pkg/core"
	"github.com/emberq/emberq/pkg/retry"
	"github.com/emberq/emberq/pkg/router"
)

var taskNameRe = regexp.MustCompile(`^[a-zA-Z][a-zA-Z0-9._-]*$`)

// ValidateTaskName checks a task name for wire safety.
func ValidateTaskName(name string) error {
	if name == "" || len(name) > core.MaxTaskNameLength {
		return core.Configf("task name %q must be 1-%d characters", name, core.MaxTaskNameLength)
	}
	if !taskNameRe.MatchString(name) {
		return core.Configf("task name %q contains invalid characters", name)
	}
	return nil
}

// Task is a registered executable with its per-task defaults.
type Task struct {
	Name     string
	Exec     Executable
	Defaults core.TaskOptions
	Policy   retry.Policy
	Timeout  time.Duration
	Blocking bool
}

// RegisterOption configures a task at registration time.
type RegisterOption func(*Task)

// WithDefaults applies submission options as the task's defaults.
func WithDefaults(opts ...core.Option) RegisterOption {
	return func(t *Task) {
		for _, opt := range opts {
			opt.Apply(&t.Defaults)
		}
	}
}

// WithRetryPolicy sets the task's retry policy.
func WithRetryPolicy(p retry.Policy) RegisterOption {
	return func(t *Task) { t.Policy = p }
}

// WithTimeout bounds a single execution attempt.
func WithTimeout(d time.Duration) RegisterOption {
	return func(t *Task) { t.Timeout = d }
}

// AsBlocking marks the task CPU-bound or otherwise uncooperative; the
// worker runs it on the bounded blocking pool instead of a cooperative
// permit.
func AsBlocking() RegisterOption {
	return func(t *Task) { t.Blocking = true }
}

// Registry is the thread-safe name → task mapping.
type Registry struct {
	mu     sync.RWMutex
	tasks  map[string]*Task
	router *router.Router
	global core.TaskOptions
	policy retry.Policy
}

// Option configures a Registry.
type Option func(*Registry)

// WithRouter attaches the router consulted by Route.
func WithRouter(r *router.Router) Option {
	return func(reg *Registry) { reg.router = r }
}

// WithGlobalDefaults overrides the process-wide task option defaults.
func WithGlobalDefaults(opts core.TaskOptions) Option {
	return func(reg *Registry) { reg.global = opts }
}

// WithGlobalRetryPolicy overrides the process-wide retry policy.
func WithGlobalRetryPolicy(p retry.Policy) Option {
	return func(reg *Registry) { reg.policy = p }
}

// New creates an empty registry.
func New(opts ...Option) *Registry {
	reg := &Registry{
		tasks:  make(map[string]*Task),
		global: core.DefaultTaskOptions(),
		policy: retry.Default(),
	}
	for _, opt := range opts {
		opt(reg)
	}
	return reg
}

// Register wraps an ordinary function as a task executable. The function
// must take context.Context first and return error or (T, error).
// Duplicate names are rejected with ErrDuplicateTask.
func (r *Registry) Register(name string, fn any, opts ...RegisterOption) error {
	exec, err := newFuncExecutable(fn)
	if err != nil {
		return err
	}
	return r.RegisterExecutable(name, exec, opts...)
}

// RegisterExecutable registers a pre-built executable.
func (r *Registry) RegisterExecutable(name string, exec Executable, opts ...RegisterOption) error {
	if err := ValidateTaskName(name); err != nil {
		return err
	}

	t := &Task{
		Name:   name,
		Exec:   exec,
		Policy: r.policy,
	}
	for _, opt := range opts {
		opt(t)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.tasks[name]; exists {
		return core.ErrDuplicateTask
	}
	r.tasks[name] = t
	return nil
}

// Lookup resolves a task by name. Resolution happens at execution time,
// not at submission: producers may submit names this process never
// registered.
func (r *Registry) Lookup(name string) (*Task, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tasks[name]
	return t, ok
}

// Names returns the registered task names.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.tasks))
	for name := range r.tasks {
		names = append(names, name)
	}
	return names
}

// Router returns the attached router, or nil.
func (r *Registry) Router() *router.Router {
	return r.router
}

// Route resolves the destination queue for a submission. Task defaults
// and explicit queue options take precedence over router rules.
func (r *Registry) Route(name string, args []json.RawMessage) (string, error) {
	if t, ok := r.Lookup(name); ok && t.Defaults.Queue != "" {
		return t.Defaults.Queue, nil
	}
	if r.router != nil {
		return r.router.Resolve(name, args)
	}
	if r.global.Queue != "" {
		return r.global.Queue, nil
	}
	return "", core.Configf("no route for task %q and no default queue", name)
}

// ResolveOptions merges options for a submission:
// call-site > task defaults > global defaults.
func (r *Registry) ResolveOptions(name string, callOpts ...core.Option) core.TaskOptions {
	merged := r.global
	if t, ok := r.Lookup(name); ok {
		merged = merged.Merge(t.Defaults)
	}
	call := core.TaskOptions{}
	for _, opt := range callOpts {
		opt.Apply(&call)
	}
	return merged.Merge(call)
}

// PolicyFor returns the retry policy governing a task, falling back to
// the global policy for unregistered names.
func (r *Registry) PolicyFor(name string) retry.Policy {
	if t, ok := r.Lookup(name); ok {
		return t.Policy
	}
	return r.policy
}
