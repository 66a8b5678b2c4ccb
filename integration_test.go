package emberq

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/emberq/emberq/pkg/revoke"
	"github.com/emberq/emberq/pkg/worker"
)

type cluster struct {
	br  Broker
	bk  Backend
	reg *Registry
	p   *Producer
}

func newCluster(t *testing.T) *cluster {
	t.Helper()
	br := NewMemoryBroker()
	bk := NewMemoryBackend()
	reg := NewRegistry()
	p, err := NewProducer(br, bk, WithRegistry(reg))
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = br.Close()
		_ = bk.Close()
	})
	return &cluster{br: br, bk: bk, reg: reg, p: p}
}

func (c *cluster) startWorker(t *testing.T, opts ...WorkerOption) {
	t.Helper()
	w, err := NewWorker(c.br, c.bk, c.reg, opts...)
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = w.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
}

func awaitResult(t *testing.T, res *AsyncResult) *TaskResult {
	t.Helper()
	tr, err := res.GetTimeout(context.Background(), 5*time.Second)
	require.NoError(t, err)
	return tr
}

func TestIntegration_HappyPath(t *testing.T) {
	c := newCluster(t)
	require.NoError(t, c.reg.Register("math.add", func(ctx context.Context, a, b int) (int, error) {
		return a + b, nil
	}))

	var mu sync.Mutex
	var states []TaskState
	c.startWorker(t, worker.WithHooks(Hooks{
		OnStart: func(env *Envelope) {
			mu.Lock()
			states = append(states, StateStarted)
			mu.Unlock()
		},
		OnSuccess: func(env *Envelope, res *TaskResult) {
			mu.Lock()
			states = append(states, StateSuccess)
			mu.Unlock()
		},
	}))

	res, err := c.p.Submit(context.Background(), "math.add", []any{2, 3})
	require.NoError(t, err)

	tr := awaitResult(t, res)
	assert.Equal(t, StateSuccess, tr.State)

	var n int
	require.NoError(t, tr.Unmarshal(&n))
	assert.Equal(t, 5, n)
	assert.Equal(t, 1, tr.Attempts)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []TaskState{StateStarted, StateSuccess}, states)
}

func TestIntegration_TransientFailureRetries(t *testing.T) {
	c := newCluster(t)
	var calls atomic.Int32
	pol := DefaultRetryPolicy()
	pol.InitialDelay = 10 * time.Millisecond
	pol.Jitter = false
	require.NoError(t, c.reg.Register("net.flaky", func(ctx context.Context) (bool, error) {
		if calls.Add(1) == 1 {
			return false, errors.New("connection reset")
		}
		return true, nil
	}, WithRetryPolicy(pol)))
	c.startWorker(t)

	res, err := c.p.Submit(context.Background(), "net.flaky", nil)
	require.NoError(t, err)

	tr := awaitResult(t, res)
	assert.Equal(t, StateSuccess, tr.State)
	assert.Equal(t, 2, tr.Attempts)
}

func TestIntegration_ChainPipesResults(t *testing.T) {
	c := newCluster(t)
	require.NoError(t, c.reg.Register("num.inc", func(ctx context.Context, n int) (int, error) {
		return n + 1, nil
	}))
	require.NoError(t, c.reg.Register("num.double", func(ctx context.Context, n int) (int, error) {
		return n * 2, nil
	}))

	var mu sync.Mutex
	parents := map[string]string{}
	roots := map[string]string{}
	c.startWorker(t, worker.WithHooks(Hooks{
		OnSuccess: func(env *Envelope, _ *TaskResult) {
			mu.Lock()
			parents[env.ID] = env.ParentID
			roots[env.ID] = env.RootID
			mu.Unlock()
		},
	}))

	res, err := c.p.SubmitChain(context.Background(), NewChain(
		Task("num.inc", 1),
		Task("num.inc"),
		Task("num.double"),
	))
	require.NoError(t, err)

	tr := awaitResult(t, res)
	require.Equal(t, StateSuccess, tr.State)
	var n int
	require.NoError(t, tr.Unmarshal(&n))
	assert.Equal(t, 6, n)

	mu.Lock()
	defer mu.Unlock()
	// Every step after the head has a parent, and every step shares the
	// head's root.
	assert.NotEmpty(t, parents[res.ID()], "final link records its parent")
	rootSet := map[string]bool{}
	for _, r := range roots {
		rootSet[r] = true
	}
	assert.Len(t, rootSet, 1, "one root id across the chain")
}

func TestIntegration_GroupHonorsConcurrencyCap(t *testing.T) {
	c := newCluster(t)
	var current, peak atomic.Int32
	require.NoError(t, c.reg.Register("load.work", func(ctx context.Context, n int) (int, error) {
		cur := current.Add(1)
		for {
			p := peak.Load()
			if cur <= p || peak.CompareAndSwap(p, cur) {
				break
			}
		}
		time.Sleep(30 * time.Millisecond)
		current.Add(-1)
		return n, nil
	}))
	c.startWorker(t, worker.WithConcurrency(2), worker.WithPrefetch(2))

	sigs := make([]Signature, 5)
	for i := range sigs {
		sigs[i] = Task("load.work", i)
	}
	g, err := c.p.SubmitGroup(context.Background(), NewGroup(sigs...))
	require.NoError(t, err)

	results, err := g.Join(context.Background())
	require.NoError(t, err)
	assert.Len(t, results, 5)
	assert.LessOrEqual(t, peak.Load(), int32(2))
}

func TestIntegration_ChordWithFailingMemberNeverFires(t *testing.T) {
	c := newCluster(t)
	var fired atomic.Bool
	require.NoError(t, c.reg.Register("part.ok", func(ctx context.Context, n int) (int, error) {
		return n, nil
	}))
	require.NoError(t, c.reg.Register("part.broken", func(ctx context.Context) error {
		return NoRetry(errors.New("bad shard"))
	}))
	require.NoError(t, c.reg.Register("combine.sum", func(ctx context.Context, parts []any) error {
		fired.Store(true)
		return nil
	}))
	c.startWorker(t, worker.WithConcurrency(4))

	res, err := c.p.SubmitChord(context.Background(), NewChord(
		NewGroup(Task("part.ok", 1), Task("part.broken"), Task("part.ok", 3)),
		Task("combine.sum"),
	))
	require.NoError(t, err)

	tr := awaitResult(t, res)
	assert.Equal(t, StateFailure, tr.State)
	assert.Contains(t, tr.Error, "chord member")
	assert.False(t, fired.Load())
}

func TestIntegration_RevokeTerminatesInFlight(t *testing.T) {
	c := newCluster(t)
	running := make(chan struct{}, 1)
	require.NoError(t, c.reg.Register("long.haul", func(ctx context.Context) error {
		select {
		case running <- struct{}{}:
		default:
		}
		<-ctx.Done()
		return ctx.Err()
	}))

	rv, err := revoke.NewShared(c.bk, c.br)
	require.NoError(t, err)
	t.Cleanup(func() { _ = rv.Close() })
	c.startWorker(t, worker.WithRevocations(rv))

	res, err := c.p.Submit(context.Background(), "long.haul", nil)
	require.NoError(t, err)

	select {
	case <-running:
	case <-time.After(2 * time.Second):
		t.Fatal("task never started")
	}
	require.NoError(t, rv.Revoke(context.Background(), res.ID(), true))

	tr := awaitResult(t, res)
	assert.Equal(t, StateRevoked, tr.State)
}

func TestIntegration_TerminalStateIsFinal(t *testing.T) {
	c := newCluster(t)
	require.NoError(t, c.reg.Register("once.task", func(ctx context.Context) (int, error) {
		return 1, nil
	}))
	c.startWorker(t)

	res, err := c.p.Submit(context.Background(), "once.task", nil)
	require.NoError(t, err)
	tr := awaitResult(t, res)
	require.Equal(t, StateSuccess, tr.State)

	// A late write onto a terminal state must not stick.
	_ = c.bk.SetState(context.Background(), res.ID(), StateRetry)
	state, err := c.bk.GetState(context.Background(), res.ID())
	require.NoError(t, err)
	assert.Equal(t, StateSuccess, state)
}
