package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"runtime/debug"
	"strconv"
	"time"

	"github.com/emberq/emberq/pkg/broker"
	"github.com/emberq/emberq/pkg/core"
	"github.com/emberq/emberq/pkg/registry"
	"github.com/emberq/emberq/pkg/retry"
	"github.com/emberq/emberq/pkg/scheduler"
	"github.com/emberq/emberq/pkg/workflow"
)

// settleTimeout bounds backend and broker writes made while finishing a
// delivery; these must not hang on a cancelled task context.
const settleTimeout = 10 * time.Second

func settleCtx() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), settleTimeout)
}

// process runs the preflight checks and, if the envelope survives them,
// executes it.
func (w *Worker) process(execCtx context.Context, d *broker.Delivery) {
	env := d.Envelope
	now := time.Now()
	log := w.log.With().Str("task_id", env.ID).Str("task", env.Name).Logger()

	if rv := w.opts.Revocations; rv != nil && rv.Contains(env.ID) {
		log.Info().Msg("dropping revoked task")
		w.finish(d, &core.TaskResult{
			TaskID:   env.ID,
			State:    core.StateRevoked,
			Error:    fmt.Sprintf("%s before execution", core.ErrRevoked),
			Attempts: env.Attempts,
			WorkerID: w.opts.WorkerID,
		})
		return
	}

	if env.IsExpired(now) {
		log.Info().Time("expires", *env.Expires).Msg("dropping expired task")
		w.finish(d, &core.TaskResult{
			TaskID:   env.ID,
			State:    core.StateRejected,
			Error:    fmt.Sprintf("%s before execution", core.ErrExpired),
			Attempts: env.Attempts,
			WorkerID: w.opts.WorkerID,
		})
		return
	}

	task, ok := w.reg.Lookup(env.Name)
	if !ok {
		log.Warn().Msg("unknown task")
		w.finish(d, &core.TaskResult{
			TaskID:   env.ID,
			State:    core.StateRejected,
			Error:    fmt.Sprintf("task %q is not registered on this worker", env.Name),
			Attempts: env.Attempts,
			WorkerID: w.opts.WorkerID,
		})
		return
	}

	if !env.IsReady(now) {
		// Delivered ahead of its eta; park it again.
		delay := env.ETA.Sub(now)
		if delay < scheduler.MinPollInterval {
			delay = scheduler.MinPollInterval
		}
		ctx, cancel := settleCtx()
		defer cancel()
		if err := w.br.NackDelayed(ctx, d, delay); err != nil {
			log.Warn().Err(err).Msg("early delivery nack failed")
		}
		return
	}

	if w.opts.RateLimits != nil {
		if dec := w.opts.RateLimits.Allow(env.Name, now); !dec.OK {
			// Defer without surfacing any state change; the task stays
			// Pending until a slot opens.
			log.Debug().Err(core.ErrRateLimited).Dur("retry_after", dec.RetryAfter).Msg("deferring task")
			ctx, cancel := settleCtx()
			defer cancel()
			if err := w.br.NackDelayed(ctx, d, dec.RetryAfter); err != nil {
				log.Warn().Err(err).Msg("rate limit nack failed")
			}
			return
		}
	}

	w.execute(execCtx, d, task)
}

// execute runs one attempt and settles its outcome.
func (w *Worker) execute(execCtx context.Context, d *broker.Delivery, task *registry.Task) {
	env := d.Envelope

	{
		ctx, cancel := settleCtx()
		_ = w.bk.SetState(ctx, env.ID, core.StateReceived)
		cancel()
	}

	var taskCtx context.Context
	var cancel context.CancelFunc
	if task.Timeout > 0 {
		taskCtx, cancel = context.WithTimeout(execCtx, task.Timeout)
	} else {
		taskCtx, cancel = context.WithCancel(execCtx)
	}
	defer cancel()
	w.trackInflight(env.ID, cancel)
	defer w.untrackInflight(env.ID)

	if task.Blocking {
		select {
		case w.blocking <- struct{}{}:
			defer func() { <-w.blocking }()
		case <-taskCtx.Done():
			// Never got a slot; hand the envelope back untouched.
			ctx, cc := settleCtx()
			defer cc()
			_ = w.br.Nack(ctx, d)
			return
		}
	}

	{
		ctx, cc := settleCtx()
		_ = w.bk.SetState(ctx, env.ID, core.StateStarted)
		cc()
	}
	if w.opts.Hooks.OnStart != nil {
		w.opts.Hooks.OnStart(env)
	}

	started := time.Now()
	value, traceback, execErr := w.runTask(taskCtx, task, env)
	outcome, requeue := w.decideOutcome(taskCtx, env, task, value, execErr)

	if requeue {
		ctx, cc := settleCtx()
		defer cc()
		_ = w.br.Nack(ctx, d)
		return
	}
	w.settle(d, outcome, started, traceback)
}

// runTask invokes the executable with panic containment. A panicking
// task is an error like any other, carrying its stack as traceback.
func (w *Worker) runTask(ctx context.Context, task *registry.Task, env *core.Envelope) (value any, traceback string, err error) {
	defer func() {
		if r := recover(); r != nil {
			traceback = string(debug.Stack())
			err = fmt.Errorf("emberq: task %q panicked: %v", env.Name, r)
		}
	}()
	value, err = task.Exec.Execute(ctx, env)
	return value, "", err
}

// retryBudget returns the attempt budget for an envelope: a call-site
// pin in the headers wins over the registered policy.
func retryBudget(env *core.Envelope, pol retry.Policy) int {
	if raw := env.Header(core.HeaderMaxRetries); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil {
			return core.ClampRetries(n)
		}
	}
	return pol.MaxRetries
}

// decideOutcome folds an execution return into an outcome. requeue
// reports a shutdown cancellation: the attempt did not count and the
// envelope goes back as-is.
func (w *Worker) decideOutcome(taskCtx context.Context, env *core.Envelope, task *registry.Task, value any, execErr error) (core.Outcome, bool) {
	if execErr == nil {
		raw, err := json.Marshal(value)
		if err != nil {
			return core.Fail(fmt.Errorf("emberq: task %q returned an unserializable value: %w", env.Name, err)), false
		}
		return core.Succeed(raw), false
	}

	if rv := w.opts.Revocations; rv != nil && rv.Terminating(env.ID) {
		return core.Cancelled(fmt.Errorf("%w: terminated in flight", core.ErrRevoked)), false
	}
	if errors.Is(execErr, context.Canceled) && taskCtx.Err() != nil {
		// Shutdown cancellation, not a task failure.
		return core.Outcome{}, true
	}
	if errors.Is(execErr, context.DeadlineExceeded) && taskCtx.Err() != nil {
		execErr = fmt.Errorf("%w after %s: %v", core.ErrTimeout, task.Timeout, execErr)
	}

	pol := task.Policy
	if raw := env.Header(core.HeaderRetryPolicy); raw != "" {
		var override retry.Policy
		if err := json.Unmarshal([]byte(raw), &override); err == nil {
			pol = override
		} else {
			w.log.Warn().Err(err).Str("task_id", env.ID).Msg("bad retry policy header, using registered policy")
		}
	}
	budget := retryBudget(env, pol)

	var retryAfter *core.RetryAfterError
	if errors.As(execErr, &retryAfter) {
		if env.Attempts >= budget {
			return core.Fail(&core.MaxRetriesError{Attempts: env.Attempts + 1, LastErr: execErr}), false
		}
		return core.Again(execErr, retryAfter.Delay), false
	}

	var noRetry *core.NoRetryError
	if errors.As(execErr, &noRetry) {
		return core.Fail(execErr), false
	}

	pol.MaxRetries = budget
	if !pol.ShouldRetry(execErr, env.Attempts) {
		if env.Attempts >= budget {
			return core.Fail(&core.MaxRetriesError{Attempts: env.Attempts + 1, LastErr: execErr}), false
		}
		return core.Fail(execErr), false
	}
	return core.Again(execErr, pol.Delay(env.Attempts+1)), false
}

// settle records the outcome, settles the delivery and advances any
// workflow the envelope belongs to.
func (w *Worker) settle(d *broker.Delivery, outcome core.Outcome, started time.Time, traceback string) {
	env := d.Envelope
	completed := time.Now()
	res := &core.TaskResult{
		TaskID:      env.ID,
		Attempts:    env.Attempts + 1,
		StartedAt:   &started,
		CompletedAt: &completed,
		RuntimeMS:   completed.Sub(started).Milliseconds(),
		WorkerID:    w.opts.WorkerID,
	}

	switch outcome.Kind {
	case core.OutcomeSuccess:
		res.State = core.StateSuccess
		res.Value = outcome.Value
		w.finishSuccess(d, res)

	case core.OutcomeRetry:
		res.State = core.StateRetry
		res.Error = outcome.Err.Error()
		w.finishRetry(d, res, outcome.Delay)

	case core.OutcomeRevoked:
		res.State = core.StateRevoked
		res.Error = outcome.Err.Error()
		w.finish(d, res)

	default:
		res.State = core.StateFailure
		res.Error = outcome.Err.Error()
		res.Traceback = traceback
		w.finish(d, res)
	}
}

func (w *Worker) finishSuccess(d *broker.Delivery, res *core.TaskResult) {
	env := d.Envelope
	ctx, cancel := settleCtx()
	defer cancel()

	if err := w.bk.SetResult(ctx, res); err != nil {
		w.log.Error().Err(err).Str("task_id", env.ID).Msg("result write failed, leaving for redelivery")
		return
	}
	// A failed advance must not ack: the visibility window redelivers
	// this envelope and the advance retries. Barrier joins are keyed by
	// member index, so a rerun deposit is a no-op.
	if err := w.advanceChord(ctx, env, res.Value); err != nil {
		w.log.Error().Err(err).Str("task_id", env.ID).Msg("chord advance failed, leaving for redelivery")
		return
	}
	if err := w.advanceChain(ctx, env, res.Value); err != nil {
		w.log.Error().Err(err).Str("task_id", env.ID).Msg("chain advance failed, leaving for redelivery")
		return
	}

	if err := w.br.Ack(ctx, d); err != nil {
		w.log.Warn().Err(err).Str("task_id", env.ID).Msg("ack failed")
	}
	if w.opts.Hooks.OnSuccess != nil {
		w.opts.Hooks.OnSuccess(env, res)
	}
	w.log.Debug().Str("task_id", env.ID).Int64("runtime_ms", res.RuntimeMS).Msg("task succeeded")
}

// finishRetry publishes the next attempt and settles the current one.
// The envelope id survives retries; only the attempt count and eta move.
func (w *Worker) finishRetry(d *broker.Delivery, res *core.TaskResult, delay time.Duration) {
	env := d.Envelope
	ctx, cancel := settleCtx()
	defer cancel()

	if err := w.bk.SetResult(ctx, res); err != nil {
		w.log.Error().Err(err).Str("task_id", env.ID).Msg("retry state write failed, leaving for redelivery")
		return
	}

	eta := time.Now().Add(delay)
	next := env.NextAttempt(eta)
	if err := w.publishDelayed(ctx, d.Queue, next, eta); err != nil {
		// Without the next attempt on a queue the task would be lost;
		// let the visibility window re-run this attempt instead.
		w.log.Error().Err(err).Str("task_id", env.ID).Msg("retry publish failed, leaving for redelivery")
		return
	}
	if err := w.br.Ack(ctx, d); err != nil {
		w.log.Warn().Err(err).Str("task_id", env.ID).Msg("ack failed")
	}
	if w.opts.Hooks.OnRetry != nil {
		w.opts.Hooks.OnRetry(env, next.Attempts, delay, res.Err())
	}
	w.log.Info().
		Str("task_id", env.ID).
		Int("attempt", next.Attempts).
		Dur("delay", delay).
		Str("error", res.Error).
		Msg("task scheduled for retry")
}

// finish settles a terminal non-success outcome.
func (w *Worker) finish(d *broker.Delivery, res *core.TaskResult) {
	env := d.Envelope
	ctx, cancel := settleCtx()
	defer cancel()

	if err := w.bk.SetResult(ctx, res); err != nil {
		w.log.Error().Err(err).Str("task_id", env.ID).Msg("result write failed, leaving for redelivery")
		return
	}
	w.failChord(ctx, env, res.Error)

	if err := w.br.Ack(ctx, d); err != nil {
		w.log.Warn().Err(err).Str("task_id", env.ID).Msg("ack failed")
	}
	if res.State == core.StateFailure && w.opts.Hooks.OnFailure != nil {
		w.opts.Hooks.OnFailure(env, res)
	}
	w.log.Info().Str("task_id", env.ID).Str("state", string(res.State)).Str("error", res.Error).Msg("task finished")
}

// publishDelayed routes through native delayed publish or the relay
// staging area, mirroring the producer's delayed path.
func (w *Worker) publishDelayed(ctx context.Context, queue string, env *core.Envelope, eta time.Time) error {
	if !eta.After(time.Now()) {
		return w.br.Publish(ctx, queue, env)
	}
	if w.br.Capabilities().DelayedPublish {
		return w.br.PublishDelayed(ctx, queue, env, eta)
	}
	staged := env.WithHeader(core.HeaderTargetQueue, queue)
	return w.br.Publish(ctx, "scheduled."+queue, staged)
}

// advanceChain publishes the next chain step with this step's result
// prepended to its arguments. A publish failure is returned so the
// caller can leave the delivery unacked; malformed headers are not
// recoverable by redelivery and only log.
func (w *Worker) advanceChain(ctx context.Context, env *core.Envelope, value []byte) error {
	encoded := env.Header(core.HeaderChain)
	if encoded == "" {
		return nil
	}
	links, err := workflow.DecodeLinks(encoded)
	if err != nil || len(links) == 0 {
		if err != nil {
			w.log.Error().Err(err).Str("task_id", env.ID).Msg("bad chain header, dropping remainder")
		}
		return nil
	}

	next := links[0]
	rest := links[1:]

	if value == nil {
		value = []byte("null")
	}
	nextEnv := &core.Envelope{
		ID:            next.ID,
		Name:          next.Name,
		Args:          append([]json.RawMessage{value}, next.Args...),
		CorrelationID: env.CorrelationID,
		ParentID:      env.ID,
		RootID:        env.RootID,
	}
	if nextEnv.RootID == "" {
		nextEnv.RootID = env.ID
	}

	position := 0
	if raw := env.Header(core.HeaderChainPosition); raw != "" {
		position, _ = strconv.Atoi(raw)
	}
	nextEnv = nextEnv.WithHeader(core.HeaderChainPosition, strconv.Itoa(position+1))
	if len(rest) > 0 {
		restEncoded, err := workflow.EncodeLinks(rest)
		if err != nil {
			w.log.Error().Err(err).Str("task_id", env.ID).Msg("chain re-encode failed, dropping remainder")
			return nil
		}
		nextEnv = nextEnv.WithHeader(core.HeaderChain, restEncoded)
	}

	queue := next.Queue
	if queue == "" {
		if routed, err := w.reg.Route(next.Name, nextEnv.Args); err == nil {
			queue = routed
		} else {
			queue = "default"
		}
	}
	if err := w.br.Publish(ctx, queue, nextEnv); err != nil {
		return fmt.Errorf("chain step publish: %w", err)
	}
	w.log.Debug().Str("task_id", next.ID).Str("parent_id", env.ID).Int("position", position+1).Msg("chain advanced")
	return nil
}

// advanceChord deposits this member's value; the depositor that
// completes the barrier publishes the callback. Join and publish
// failures are returned so the caller can leave the delivery unacked;
// malformed headers only log.
func (w *Worker) advanceChord(ctx context.Context, env *core.Envelope, value []byte) error {
	chordID := env.Header(core.HeaderChordID)
	if chordID == "" {
		return nil
	}
	size, err := strconv.Atoi(env.Header(core.HeaderChordSize))
	if err != nil {
		w.log.Error().Str("task_id", env.ID).Msg("bad chord size header")
		return nil
	}
	index, err := strconv.Atoi(env.Header(core.HeaderChordIndex))
	if err != nil {
		w.log.Error().Str("task_id", env.ID).Msg("bad chord index header")
		return nil
	}
	if value == nil {
		value = []byte("null")
	}

	done, results, err := w.bk.ChordJoin(ctx, chordID, size, index, value)
	if err != nil {
		return fmt.Errorf("chord join: %w", err)
	}
	if !done {
		return nil
	}

	links, err := workflow.DecodeLinks(env.Header(core.HeaderChordCallback))
	if err != nil || len(links) != 1 {
		w.log.Error().Str("chord_id", chordID).Msg("bad chord callback header")
		return nil
	}
	callback := links[0]

	arr := make([]json.RawMessage, len(results))
	for i, r := range results {
		if r == nil {
			r = []byte("null")
		}
		arr[i] = r
	}
	resultsRaw, err := json.Marshal(arr)
	if err != nil {
		w.log.Error().Err(err).Str("chord_id", chordID).Msg("chord results marshal failed")
		return nil
	}

	cbEnv := &core.Envelope{
		ID:            callback.ID,
		Name:          callback.Name,
		Args:          append(append([]json.RawMessage{}, callback.Args...), resultsRaw),
		CorrelationID: env.CorrelationID,
		ParentID:      env.ID,
		RootID:        env.RootID,
	}
	if cbEnv.RootID == "" {
		cbEnv.RootID = env.ID
	}

	queue := callback.Queue
	if queue == "" {
		if routed, err := w.reg.Route(callback.Name, cbEnv.Args); err == nil {
			queue = routed
		} else {
			queue = "default"
		}
	}
	if err := w.br.Publish(ctx, queue, cbEnv); err != nil {
		return fmt.Errorf("chord callback publish: %w", err)
	}
	w.log.Debug().Str("chord_id", chordID).Int("size", size).Msg("chord fired")
	return nil
}

// failChord aborts the barrier when a member fails or is revoked; the
// first abort writes the callback's failure result so waiters unblock.
func (w *Worker) failChord(ctx context.Context, env *core.Envelope, reason string) {
	chordID := env.Header(core.HeaderChordID)
	if chordID == "" {
		return
	}
	first, err := w.bk.ChordAbort(ctx, chordID, reason)
	if err != nil {
		w.log.Error().Err(err).Str("chord_id", chordID).Msg("chord abort failed")
		return
	}
	if !first {
		return
	}
	now := time.Now()
	err = w.bk.SetResult(ctx, &core.TaskResult{
		TaskID:      chordID,
		State:       core.StateFailure,
		Error:       fmt.Sprintf("chord member %s failed: %s", env.ID, reason),
		CompletedAt: &now,
		WorkerID:    w.opts.WorkerID,
	})
	if err != nil {
		w.log.Error().Err(err).Str("chord_id", chordID).Msg("chord failure write failed")
	}
	w.log.Info().Str("chord_id", chordID).Str("member", env.ID).Msg("chord aborted")
}
