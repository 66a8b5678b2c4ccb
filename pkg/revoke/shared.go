package revoke

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/emberq/emberq/pkg/backend"
	"github.com/emberq/emberq/pkg/broker"
)

type revokeMessage struct {
	TaskID    string `json:"task_id"`
	Terminate bool   `json:"terminate"`
	Removed   bool   `json:"removed,omitempty"`
}

// SharedOption configures the shared store.
type SharedOption func(*Shared)

// WithReloadInterval bounds how stale the local cache can get when a
// broadcast is lost.
func WithReloadInterval(d time.Duration) SharedOption {
	return func(s *Shared) {
		if d > 0 {
			s.reload = d
		}
	}
}

// WithLogger attaches a logger.
func WithLogger(log zerolog.Logger) SharedOption {
	return func(s *Shared) { s.log = log }
}

// Shared is a cluster-wide store. Revocations are pinned in the backend
// so workers that join later still see them, and broadcast over the
// broker so running workers react without polling. The local cache is
// eventually consistent within one reload interval.
type Shared struct {
	backend backend.Backend
	broker  broker.Broker
	reload  time.Duration
	log     zerolog.Logger

	mu      sync.RWMutex
	revoked map[string]bool

	cancel context.CancelFunc
	done   chan struct{}
}

var _ Store = (*Shared)(nil)

// NewShared creates a shared store and starts its broadcast listener
// and reload loop.
func NewShared(bk backend.Backend, br broker.Broker, opts ...SharedOption) (*Shared, error) {
	s := &Shared{
		backend: bk,
		broker:  br,
		reload:  5 * time.Second,
		log:     zerolog.Nop(),
		revoked: make(map[string]bool),
	}
	for _, opt := range opts {
		opt(s)
	}

	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.done = make(chan struct{})

	msgs, err := br.SubscribeBroadcast(ctx, broker.RevokeSubject)
	if err != nil {
		cancel()
		return nil, err
	}
	if err := s.reloadOnce(ctx); err != nil {
		s.log.Warn().Err(err).Msg("initial revocation load failed")
	}
	go s.run(ctx, msgs)
	return s, nil
}

func (s *Shared) run(ctx context.Context, msgs <-chan []byte) {
	defer close(s.done)
	ticker := time.NewTicker(s.reload)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case payload, ok := <-msgs:
			if !ok {
				return
			}
			var msg revokeMessage
			if err := json.Unmarshal(payload, &msg); err != nil {
				s.log.Warn().Err(err).Msg("bad revocation broadcast")
				continue
			}
			s.apply(msg)
		case <-ticker.C:
			if err := s.reloadOnce(ctx); err != nil && ctx.Err() == nil {
				s.log.Warn().Err(err).Msg("revocation reload failed")
			}
		}
	}
}

func (s *Shared) apply(msg revokeMessage) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if msg.Removed {
		delete(s.revoked, msg.TaskID)
		return
	}
	if prev, ok := s.revoked[msg.TaskID]; !ok || (msg.Terminate && !prev) {
		s.revoked[msg.TaskID] = msg.Terminate
	}
}

func (s *Shared) reloadOnce(ctx context.Context) error {
	all, err := s.backend.ListRevocations(ctx)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.revoked = all
	s.mu.Unlock()
	return nil
}

func (s *Shared) publish(ctx context.Context, msg revokeMessage) {
	payload, err := json.Marshal(msg)
	if err != nil {
		return
	}
	if err := s.broker.Broadcast(ctx, broker.RevokeSubject, payload); err != nil {
		// The backend write already landed; other workers catch up on
		// their next reload.
		s.log.Warn().Err(err).Str("task_id", msg.TaskID).Msg("revocation broadcast failed")
	}
}

func (s *Shared) Revoke(ctx context.Context, id string, terminate bool) error {
	if err := s.backend.AddRevocation(ctx, id, terminate); err != nil {
		return err
	}
	s.apply(revokeMessage{TaskID: id, Terminate: terminate})
	s.publish(ctx, revokeMessage{TaskID: id, Terminate: terminate})
	return nil
}

func (s *Shared) RevokeMany(ctx context.Context, ids []string, terminate bool) error {
	for _, id := range ids {
		if err := s.Revoke(ctx, id, terminate); err != nil {
			return err
		}
	}
	return nil
}

func (s *Shared) Contains(id string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.revoked[id]
	return ok
}

func (s *Shared) Terminating(id string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.revoked[id]
}

func (s *Shared) Enumerate() map[string]bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]bool, len(s.revoked))
	for id, terminate := range s.revoked {
		out[id] = terminate
	}
	return out
}

func (s *Shared) Forget(ctx context.Context, id string) error {
	if err := s.backend.RemoveRevocation(ctx, id); err != nil {
		return err
	}
	s.apply(revokeMessage{TaskID: id, Removed: true})
	s.publish(ctx, revokeMessage{TaskID: id, Removed: true})
	return nil
}

func (s *Shared) Close() error {
	s.cancel()
	<-s.done
	return nil
}
