package client

import (
	"context"
	"errors"
	"time"

	"github.com/emberq/emberq/pkg/backend"
	"github.com/emberq/emberq/pkg/core"
)

// AsyncResult is a handle to one submitted task.
type AsyncResult struct {
	id string
	bk backend.Backend
}

// NewAsyncResult binds a handle to an existing task id.
func NewAsyncResult(id string, bk backend.Backend) *AsyncResult {
	return &AsyncResult{id: id, bk: bk}
}

// ID returns the task id.
func (r *AsyncResult) ID() string { return r.id }

// State reports the task's current state. Ids the backend has never
// seen read as Pending.
func (r *AsyncResult) State(ctx context.Context) (core.TaskState, error) {
	return r.bk.GetState(ctx, r.id)
}

// Ready reports whether the task reached a terminal state.
func (r *AsyncResult) Ready(ctx context.Context) (bool, error) {
	state, err := r.bk.GetState(ctx, r.id)
	if err != nil {
		return false, err
	}
	return state.IsTerminal(), nil
}

// Get blocks until the task is terminal and returns its result. The
// returned error covers waiting only; a failed task returns a nil error
// and a result whose Err reports the task failure.
func (r *AsyncResult) Get(ctx context.Context) (*core.TaskResult, error) {
	return r.bk.WaitForResult(ctx, r.id)
}

// GetTimeout is Get bounded by a timeout.
func (r *AsyncResult) GetTimeout(ctx context.Context, timeout time.Duration) (*core.TaskResult, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return r.bk.WaitForResult(ctx, r.id)
}

// Forget drops the stored state and result.
func (r *AsyncResult) Forget(ctx context.Context) error {
	return r.bk.Delete(ctx, r.id)
}

// GroupResult is a handle to a parallel group of tasks.
type GroupResult struct {
	groupID string
	ids     []string
	bk      backend.Backend
}

// GroupID returns the group id shared by all members' envelopes.
func (g *GroupResult) GroupID() string { return g.groupID }

// IDs returns the member task ids in submission order.
func (g *GroupResult) IDs() []string {
	out := make([]string, len(g.ids))
	copy(out, g.ids)
	return out
}

// Results returns per-member handles in submission order.
func (g *GroupResult) Results() []*AsyncResult {
	out := make([]*AsyncResult, len(g.ids))
	for i, id := range g.ids {
		out[i] = NewAsyncResult(id, g.bk)
	}
	return out
}

// CompletedCount reports how many members are terminal.
func (g *GroupResult) CompletedCount(ctx context.Context) (int, error) {
	results, err := g.bk.GetMany(ctx, g.ids)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, res := range results {
		if res.State.IsTerminal() {
			n++
		}
	}
	return n, nil
}

// Get blocks until every member is terminal and returns their results
// in submission order. Member failures do not abort the wait; inspect
// each result's state.
func (g *GroupResult) Get(ctx context.Context) ([]*core.TaskResult, error) {
	out := make([]*core.TaskResult, len(g.ids))
	for i, id := range g.ids {
		res, err := g.bk.WaitForResult(ctx, id)
		if err != nil {
			return nil, err
		}
		out[i] = res
	}
	return out, nil
}

// ErrGroupFailed reports at least one failed member from Join.
var ErrGroupFailed = errors.New("emberq: one or more group members failed")

// Join is Get plus failure folding: it returns the members' values when
// all succeeded, or ErrGroupFailed.
func (g *GroupResult) Join(ctx context.Context) ([][]byte, error) {
	results, err := g.Get(ctx)
	if err != nil {
		return nil, err
	}
	values := make([][]byte, len(results))
	for i, res := range results {
		if res.State != core.StateSuccess {
			return nil, ErrGroupFailed
		}
		values[i] = res.Value
	}
	return values, nil
}
