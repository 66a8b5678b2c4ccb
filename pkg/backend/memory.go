package backend

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/emberq/emberq/pkg/core"
)

// MemoryOption configures the in-process backend.
type MemoryOption func(*Memory)

// WithResultTTL bounds how long results stay queryable.
func WithResultTTL(ttl time.Duration) MemoryOption {
	return func(m *Memory) {
		if ttl > 0 {
			m.ttl = ttl
		}
	}
}

type taskEntry struct {
	state   core.TaskState
	result  *core.TaskResult
	expires time.Time
}

type chordEntry struct {
	size     int
	values   map[int][]byte
	fired    bool
	aborted  string
	hasAbort bool
}

// Memory is an in-process backend for tests and single-binary setups.
type Memory struct {
	mu      sync.Mutex
	tasks   map[string]*taskEntry
	chords  map[string]*chordEntry
	beats   map[string]time.Time
	revoked map[string]bool
	waiters map[string][]chan *core.TaskResult
	ttl     time.Duration
	closed  bool
	stop    chan struct{}
}

var _ Backend = (*Memory)(nil)

// NewMemory creates an in-process backend with a background janitor
// sweeping expired entries.
func NewMemory(opts ...MemoryOption) *Memory {
	m := &Memory{
		tasks:   make(map[string]*taskEntry),
		chords:  make(map[string]*chordEntry),
		beats:   make(map[string]time.Time),
		revoked: make(map[string]bool),
		waiters: make(map[string][]chan *core.TaskResult),
		ttl:     DefaultResultTTL,
		stop:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(m)
	}
	go m.janitor()
	return m
}

func (m *Memory) janitor() {
	interval := m.ttl / 10
	if interval > time.Minute {
		interval = time.Minute
	}
	if interval < 10*time.Millisecond {
		interval = 10 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-m.stop:
			return
		case now := <-ticker.C:
			m.mu.Lock()
			for id, e := range m.tasks {
				if !e.expires.IsZero() && now.After(e.expires) {
					delete(m.tasks, id)
				}
			}
			for key, deadline := range m.beats {
				if now.After(deadline) {
					delete(m.beats, key)
				}
			}
			m.mu.Unlock()
		}
	}
}

func (m *Memory) entry(id string) *taskEntry {
	e, ok := m.tasks[id]
	if !ok {
		e = &taskEntry{state: core.StatePending}
		m.tasks[id] = e
	}
	return e
}

func (m *Memory) SetState(ctx context.Context, id string, state core.TaskState) error {
	if !state.Valid() {
		return core.Configf("unknown task state %q", state)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return core.ErrClosed
	}
	cur := core.StatePending
	if e, ok := m.tasks[id]; ok {
		if e.state.IsTerminal() {
			return nil
		}
		cur = e.state
	}
	if !core.CanTransition(cur, state) {
		return fmt.Errorf("%w: %s -> %s", core.ErrInvalidTransition, cur, state)
	}
	e := m.entry(id)
	e.state = state
	e.expires = time.Now().Add(m.ttl)
	return nil
}

func (m *Memory) GetState(ctx context.Context, id string) (core.TaskState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return "", core.ErrClosed
	}
	e, ok := m.tasks[id]
	if !ok {
		return core.StatePending, nil
	}
	return e.state, nil
}

func (m *Memory) SetResult(ctx context.Context, res *core.TaskResult) error {
	if res == nil || res.TaskID == "" {
		return core.Configf("result requires a task id")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return core.ErrClosed
	}
	e := m.entry(res.TaskID)
	if e.state.IsTerminal() {
		return nil
	}
	e.state = res.State
	e.result = res
	e.expires = time.Now().Add(m.ttl)

	if res.State.IsTerminal() {
		for _, ch := range m.waiters[res.TaskID] {
			ch <- res
			close(ch)
		}
		delete(m.waiters, res.TaskID)
	}
	return nil
}

func (m *Memory) GetResult(ctx context.Context, id string) (*core.TaskResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, core.ErrClosed
	}
	e, ok := m.tasks[id]
	if !ok || e.result == nil {
		return nil, core.ErrResultNotReady
	}
	return e.result, nil
}

func (m *Memory) WaitForResult(ctx context.Context, id string) (*core.TaskResult, error) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, core.ErrClosed
	}
	if e, ok := m.tasks[id]; ok && e.result != nil && e.state.IsTerminal() {
		res := e.result
		m.mu.Unlock()
		return res, nil
	}
	ch := make(chan *core.TaskResult, 1)
	m.waiters[id] = append(m.waiters[id], ch)
	m.mu.Unlock()

	select {
	case <-ctx.Done():
		m.mu.Lock()
		ws := m.waiters[id]
		for i, w := range ws {
			if w == ch {
				m.waiters[id] = append(ws[:i], ws[i+1:]...)
				break
			}
		}
		m.mu.Unlock()
		return nil, ctx.Err()
	case res, ok := <-ch:
		if !ok {
			return nil, core.ErrClosed
		}
		return res, nil
	}
}

func (m *Memory) GetMany(ctx context.Context, ids []string) (map[string]*core.TaskResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, core.ErrClosed
	}
	out := make(map[string]*core.TaskResult, len(ids))
	for _, id := range ids {
		if e, ok := m.tasks[id]; ok && e.result != nil {
			out[id] = e.result
		}
	}
	return out, nil
}

func (m *Memory) Delete(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.tasks, id)
	return nil
}

func (m *Memory) chord(chordID string, size int) *chordEntry {
	c, ok := m.chords[chordID]
	if !ok {
		c = &chordEntry{size: size, values: make(map[int][]byte)}
		m.chords[chordID] = c
	}
	return c
}

func (m *Memory) ChordJoin(ctx context.Context, chordID string, size, index int, value []byte) (bool, [][]byte, error) {
	if size < 1 || index < 0 || index >= size {
		return false, nil, core.Configf("chord index %d out of range for size %d", index, size)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return false, nil, core.ErrClosed
	}
	c := m.chord(chordID, size)
	c.values[index] = value

	if len(c.values) < c.size || c.fired || c.hasAbort {
		return false, nil, nil
	}
	c.fired = true
	results := make([][]byte, c.size)
	for i := 0; i < c.size; i++ {
		results[i] = c.values[i]
	}
	return true, results, nil
}

func (m *Memory) ChordAbort(ctx context.Context, chordID, reason string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return false, core.ErrClosed
	}
	c, ok := m.chords[chordID]
	if !ok {
		c = &chordEntry{values: make(map[int][]byte)}
		m.chords[chordID] = c
	}
	if c.hasAbort || c.fired {
		return false, nil
	}
	c.hasAbort = true
	c.aborted = reason
	return true, nil
}

func (m *Memory) ChordAborted(ctx context.Context, chordID string) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.chords[chordID]
	if !ok || !c.hasAbort {
		return "", false, nil
	}
	return c.aborted, true, nil
}

func (m *Memory) AcquireBeatSlot(ctx context.Context, name, slot string, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return false, core.ErrClosed
	}
	key := name + "@" + slot
	if deadline, ok := m.beats[key]; ok && time.Now().Before(deadline) {
		return false, nil
	}
	m.beats[key] = time.Now().Add(ttl)
	return true, nil
}

func (m *Memory) AddRevocation(ctx context.Context, id string, terminate bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return core.ErrClosed
	}
	// Upgrading to terminate sticks; downgrading does not.
	if prev, ok := m.revoked[id]; !ok || (terminate && !prev) {
		m.revoked[id] = terminate
	}
	return nil
}

func (m *Memory) RemoveRevocation(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.revoked, id)
	return nil
}

func (m *Memory) ListRevocations(ctx context.Context) (map[string]bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, core.ErrClosed
	}
	out := make(map[string]bool, len(m.revoked))
	for id, terminate := range m.revoked {
		out[id] = terminate
	}
	return out, nil
}

func (m *Memory) HealthCheck(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return core.ErrClosed
	}
	return nil
}

func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil
	}
	m.closed = true
	close(m.stop)
	for id, ws := range m.waiters {
		for _, ch := range ws {
			close(ch)
		}
		delete(m.waiters, id)
	}
	return nil
}
