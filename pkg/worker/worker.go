package worker

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/emberq/emberq/pkg/backend"
	"github.com/emberq/emberq/pkg/broker"
	"github.com/emberq/emberq/pkg/core"
	"github.com/emberq/emberq/pkg/registry"
)

// revocationPollInterval paces the watchdog that cancels in-flight
// executions of tasks revoked with terminate.
const revocationPollInterval = 100 * time.Millisecond

// Worker consumes queues and executes registered tasks.
type Worker struct {
	opts Options
	br   broker.Broker
	bk   backend.Backend
	reg  *registry.Registry
	log  zerolog.Logger

	blocking chan struct{}

	mu       sync.Mutex
	inflight map[string]context.CancelFunc

	wg sync.WaitGroup
}

// New creates a worker. The registry must hold every task this worker
// is expected to run; envelopes naming unregistered tasks are rejected.
func New(br broker.Broker, bk backend.Backend, reg *registry.Registry, opts ...Option) (*Worker, error) {
	if br == nil || bk == nil || reg == nil {
		return nil, core.Configf("worker needs a broker, a backend and a registry")
	}
	o := defaultOptions()
	for _, opt := range opts {
		opt.Apply(&o)
	}
	for _, queue := range o.Queues {
		if err := broker.ValidateQueueName(queue); err != nil {
			return nil, err
		}
	}
	w := &Worker{
		opts:     o,
		br:       br,
		bk:       bk,
		reg:      reg,
		log:      o.Logger.With().Str("worker_id", o.WorkerID).Logger(),
		blocking: make(chan struct{}, o.BlockingSlots),
		inflight: make(map[string]context.CancelFunc),
	}
	return w, nil
}

// ID returns the worker id recorded on results.
func (w *Worker) ID() string { return w.opts.WorkerID }

// Run consumes until ctx is cancelled, then shuts down: fetching stops
// immediately, running tasks get the shutdown grace to finish, and
// whatever still runs after that has its context cancelled. Unstarted
// prefetched envelopes are nacked back for other workers.
func (w *Worker) Run(ctx context.Context) error {
	fetchCtx, stopFetch := context.WithCancel(context.Background())
	execCtx, stopExec := context.WithCancel(context.Background())
	defer stopExec()
	defer stopFetch()

	permits := make(chan struct{}, w.opts.Concurrency)
	for i := 0; i < w.opts.Concurrency; i++ {
		permits <- struct{}{}
	}

	w.log.Info().
		Strs("queues", w.opts.Queues).
		Int("concurrency", w.opts.Concurrency).
		Msg("worker starting")

	var loops sync.WaitGroup
	for _, queue := range w.opts.Queues {
		loops.Add(1)
		go func(queue string) {
			defer loops.Done()
			w.fetchLoop(fetchCtx, execCtx, queue, permits)
		}(queue)
	}
	if w.opts.Revocations != nil {
		loops.Add(1)
		go func() {
			defer loops.Done()
			w.terminateWatchdog(fetchCtx)
		}()
	}

	<-ctx.Done()
	w.log.Info().Dur("grace", w.opts.ShutdownGrace).Msg("worker stopping")
	stopFetch()
	loops.Wait()

	finished := make(chan struct{})
	go func() {
		w.wg.Wait()
		close(finished)
	}()
	select {
	case <-finished:
	case <-time.After(w.opts.ShutdownGrace):
		w.log.Warn().Msg("shutdown grace elapsed, cancelling running tasks")
		stopExec()
		<-finished
	}
	w.log.Info().Msg("worker stopped")
	return nil
}

func (w *Worker) fetchLoop(fetchCtx, execCtx context.Context, queue string, permits chan struct{}) {
	for {
		select {
		case <-fetchCtx.Done():
			return
		case <-permits:
		}

		deliveries, err := w.br.Fetch(fetchCtx, queue, w.opts.Prefetch)
		if err != nil {
			permits <- struct{}{}
			if fetchCtx.Err() != nil {
				return
			}
			w.log.Error().Err(err).Str("queue", queue).Msg("fetch failed")
			select {
			case <-fetchCtx.Done():
				return
			case <-time.After(time.Second):
			}
			continue
		}
		if len(deliveries) == 0 {
			permits <- struct{}{}
			continue
		}

		// The first delivery reuses the already-held permit; the rest
		// each wait for their own.
		for i, d := range deliveries {
			if i > 0 {
				select {
				case <-fetchCtx.Done():
					// Shutdown mid-batch: return unstarted work.
					w.nackRemainder(deliveries[i:])
					return
				case <-permits:
				}
			}
			w.wg.Add(1)
			go func(d *broker.Delivery) {
				defer w.wg.Done()
				defer func() { permits <- struct{}{} }()
				w.process(execCtx, d)
			}(d)
		}
	}
}

func (w *Worker) nackRemainder(deliveries []*broker.Delivery) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for _, d := range deliveries {
		if err := w.br.Nack(ctx, d); err != nil {
			w.log.Warn().Err(err).Str("task_id", d.Envelope.ID).Msg("nack on shutdown failed")
		}
	}
}

// terminateWatchdog cancels in-flight executions whose ids get revoked
// with terminate while they run.
func (w *Worker) terminateWatchdog(ctx context.Context) {
	ticker := time.NewTicker(revocationPollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		w.mu.Lock()
		for id, cancel := range w.inflight {
			if w.opts.Revocations.Terminating(id) {
				cancel()
			}
		}
		w.mu.Unlock()
	}
}

func (w *Worker) trackInflight(id string, cancel context.CancelFunc) {
	w.mu.Lock()
	w.inflight[id] = cancel
	w.mu.Unlock()
}

func (w *Worker) untrackInflight(id string) {
	w.mu.Lock()
	delete(w.inflight, id)
	w.mu.Unlock()
}
