package backend

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/emberq/emberq/pkg/core"
)

type taskRecord struct {
	ID        string `gorm:"primaryKey;size:64"`
	State     string `gorm:"size:16"`
	Result    []byte
	ExpiresAt time.Time `gorm:"index"`
	UpdatedAt time.Time
}

type chordMemberRecord struct {
	ChordID string `gorm:"primaryKey;size:64"`
	Idx     int    `gorm:"primaryKey;autoIncrement:false"`
	Value   []byte
}

type chordFlagRecord struct {
	ChordID string `gorm:"primaryKey;size:64"`
	Kind    string `gorm:"primaryKey;size:8"` // "fired" or "abort"
	Reason  string
}

type beatRecord struct {
	Name      string `gorm:"primaryKey;size:255"`
	Slot      string `gorm:"primaryKey;size:64"`
	ExpiresAt time.Time
}

type revocationRecord struct {
	TaskID    string `gorm:"primaryKey;size:64"`
	Terminate bool
}

// GormOption configures the SQL backend.
type GormOption func(*Gorm)

// WithGormResultTTL bounds how long results stay queryable.
func WithGormResultTTL(ttl time.Duration) GormOption {
	return func(g *Gorm) {
		if ttl > 0 {
			g.ttl = ttl
		}
	}
}

// Gorm stores results in a relational database. It suits deployments
// that already run SQL and want results to survive a broker wipe;
// WaitForResult polls, so latency-sensitive callers should prefer the
// Redis backend.
type Gorm struct {
	db  *gorm.DB
	ttl time.Duration

	stop     chan struct{}
	stopOnce sync.Once
}

var _ Backend = (*Gorm)(nil)

// NewGorm creates a SQL backend, migrates its tables and starts a
// background janitor pruning expired rows.
func NewGorm(db *gorm.DB, opts ...GormOption) (*Gorm, error) {
	g := &Gorm{db: db, ttl: DefaultResultTTL, stop: make(chan struct{})}
	for _, opt := range opts {
		opt(g)
	}
	err := db.AutoMigrate(&taskRecord{}, &chordMemberRecord{}, &chordFlagRecord{}, &beatRecord{}, &revocationRecord{})
	if err != nil {
		return nil, fmt.Errorf("emberq: migrate backend tables: %w", err)
	}
	go g.janitor()
	return g, nil
}

func (g *Gorm) janitor() {
	interval := g.ttl / 10
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
		case <-g.stop:
			return
		case now := <-ticker.C:
			g.db.Delete(&taskRecord{}, "expires_at <= ?", now)
			g.db.Delete(&beatRecord{}, "expires_at <= ?", now)
		}
	}
}

func isTerminal(state string) bool {
	return core.TaskState(state).IsTerminal()
}

func (g *Gorm) SetState(ctx context.Context, id string, state core.TaskState) error {
	if !state.Valid() {
		return core.Configf("unknown task state %q", state)
	}
	return g.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var rec taskRecord
		cur := core.StatePending
		err := tx.First(&rec, "id = ?", id).Error
		switch {
		case errors.Is(err, gorm.ErrRecordNotFound):
			rec = taskRecord{ID: id}
		case err != nil:
			return err
		case isTerminal(rec.State):
			return nil
		default:
			cur = core.TaskState(rec.State)
		}
		if !core.CanTransition(cur, state) {
			return fmt.Errorf("%w: %s -> %s", core.ErrInvalidTransition, cur, state)
		}
		rec.State = string(state)
		rec.ExpiresAt = time.Now().Add(g.ttl)
		return tx.Save(&rec).Error
	})
}

func (g *Gorm) GetState(ctx context.Context, id string) (core.TaskState, error) {
	var rec taskRecord
	err := g.db.WithContext(ctx).First(&rec, "id = ? AND expires_at > ?", id, time.Now()).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return core.StatePending, nil
	}
	if err != nil {
		return "", fmt.Errorf("emberq: get state %s: %w", id, err)
	}
	return core.TaskState(rec.State), nil
}

func (g *Gorm) SetResult(ctx context.Context, res *core.TaskResult) error {
	if res == nil || res.TaskID == "" {
		return core.Configf("result requires a task id")
	}
	data, err := json.Marshal(res)
	if err != nil {
		return fmt.Errorf("emberq: encode result %s: %w", res.TaskID, err)
	}
	return g.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var rec taskRecord
		err := tx.First(&rec, "id = ?", res.TaskID).Error
		switch {
		case errors.Is(err, gorm.ErrRecordNotFound):
			rec = taskRecord{ID: res.TaskID}
		case err != nil:
			return err
		case isTerminal(rec.State):
			return nil
		}
		rec.State = string(res.State)
		rec.Result = data
		rec.ExpiresAt = time.Now().Add(g.ttl)
		return tx.Save(&rec).Error
	})
}

func (g *Gorm) GetResult(ctx context.Context, id string) (*core.TaskResult, error) {
	var rec taskRecord
	err := g.db.WithContext(ctx).First(&rec, "id = ? AND expires_at > ?", id, time.Now()).Error
	if errors.Is(err, gorm.ErrRecordNotFound) || (err == nil && len(rec.Result) == 0) {
		return nil, core.ErrResultNotReady
	}
	if err != nil {
		return nil, fmt.Errorf("emberq: get result %s: %w", id, err)
	}
	var res core.TaskResult
	if err := json.Unmarshal(rec.Result, &res); err != nil {
		return nil, fmt.Errorf("emberq: decode result %s: %w", id, err)
	}
	return &res, nil
}

func (g *Gorm) WaitForResult(ctx context.Context, id string) (*core.TaskResult, error) {
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	for {
		res, err := g.GetResult(ctx, id)
		if err == nil && res.State.IsTerminal() {
			return res, nil
		}
		if err != nil && !errors.Is(err, core.ErrResultNotReady) {
			return nil, err
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

func (g *Gorm) GetMany(ctx context.Context, ids []string) (map[string]*core.TaskResult, error) {
	var recs []taskRecord
	err := g.db.WithContext(ctx).Where("id IN ? AND expires_at > ?", ids, time.Now()).Find(&recs).Error
	if err != nil {
		return nil, fmt.Errorf("emberq: get many: %w", err)
	}
	out := make(map[string]*core.TaskResult, len(recs))
	for _, rec := range recs {
		if len(rec.Result) == 0 {
			continue
		}
		var res core.TaskResult
		if err := json.Unmarshal(rec.Result, &res); err != nil {
			continue
		}
		out[rec.ID] = &res
	}
	return out, nil
}

func (g *Gorm) Delete(ctx context.Context, id string) error {
	return g.db.WithContext(ctx).Delete(&taskRecord{}, "id = ?", id).Error
}

func (g *Gorm) ChordJoin(ctx context.Context, chordID string, size, index int, value []byte) (bool, [][]byte, error) {
	if size < 1 || index < 0 || index >= size {
		return false, nil, core.Configf("chord index %d out of range for size %d", index, size)
	}
	var done bool
	var results [][]byte
	err := g.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		member := chordMemberRecord{ChordID: chordID, Idx: index, Value: value}
		if err := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&member).Error; err != nil {
			return err
		}

		var count int64
		if err := tx.Model(&chordMemberRecord{}).Where("chord_id = ?", chordID).Count(&count).Error; err != nil {
			return err
		}
		if count < int64(size) {
			return nil
		}

		var aborts int64
		err := tx.Model(&chordFlagRecord{}).
			Where("chord_id = ? AND kind = ?", chordID, "abort").Count(&aborts).Error
		if err != nil || aborts > 0 {
			return err
		}

		// The fired flag is the barrier: only the insert that lands it
		// completes the chord.
		fired := tx.Clauses(clause.OnConflict{DoNothing: true}).
			Create(&chordFlagRecord{ChordID: chordID, Kind: "fired"})
		if fired.Error != nil {
			return fired.Error
		}
		if fired.RowsAffected == 0 {
			return nil
		}

		var members []chordMemberRecord
		if err := tx.Where("chord_id = ?", chordID).Order("idx ASC").Find(&members).Error; err != nil {
			return err
		}
		results = make([][]byte, size)
		for _, m := range members {
			if m.Idx >= 0 && m.Idx < size {
				results[m.Idx] = m.Value
			}
		}
		done = true
		return nil
	})
	if err != nil {
		return false, nil, fmt.Errorf("emberq: chord join %s: %w", chordID, err)
	}
	return done, results, nil
}

func (g *Gorm) ChordAbort(ctx context.Context, chordID, reason string) (bool, error) {
	res := g.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).
		Create(&chordFlagRecord{ChordID: chordID, Kind: "abort", Reason: reason})
	if res.Error != nil {
		return false, fmt.Errorf("emberq: chord abort %s: %w", chordID, res.Error)
	}
	return res.RowsAffected > 0, nil
}

func (g *Gorm) ChordAborted(ctx context.Context, chordID string) (string, bool, error) {
	var rec chordFlagRecord
	err := g.db.WithContext(ctx).First(&rec, "chord_id = ? AND kind = ?", chordID, "abort").Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("emberq: chord aborted %s: %w", chordID, err)
	}
	return rec.Reason, true, nil
}

func (g *Gorm) AcquireBeatSlot(ctx context.Context, name, slot string, ttl time.Duration) (bool, error) {
	var acquired bool
	err := g.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		now := time.Now()
		created := tx.Clauses(clause.OnConflict{DoNothing: true}).
			Create(&beatRecord{Name: name, Slot: slot, ExpiresAt: now.Add(ttl)})
		if created.Error != nil {
			return created.Error
		}
		if created.RowsAffected > 0 {
			acquired = true
			return nil
		}
		// The slot exists; reclaim it only if its claim expired.
		reclaimed := tx.Model(&beatRecord{}).
			Where("name = ? AND slot = ? AND expires_at < ?", name, slot, now).
			Update("expires_at", now.Add(ttl))
		if reclaimed.Error != nil {
			return reclaimed.Error
		}
		acquired = reclaimed.RowsAffected > 0
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("emberq: acquire beat slot %s@%s: %w", name, slot, err)
	}
	return acquired, nil
}

func (g *Gorm) AddRevocation(ctx context.Context, id string, terminate bool) error {
	rec := revocationRecord{TaskID: id, Terminate: terminate}
	tx := g.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&rec)
	if tx.Error != nil {
		return fmt.Errorf("emberq: add revocation %s: %w", id, tx.Error)
	}
	if tx.RowsAffected == 0 && terminate {
		// Upgrade an existing entry to terminate.
		err := g.db.WithContext(ctx).Model(&revocationRecord{}).
			Where("task_id = ?", id).Update("terminate", true).Error
		if err != nil {
			return fmt.Errorf("emberq: add revocation %s: %w", id, err)
		}
	}
	return nil
}

func (g *Gorm) RemoveRevocation(ctx context.Context, id string) error {
	return g.db.WithContext(ctx).Delete(&revocationRecord{}, "task_id = ?", id).Error
}

func (g *Gorm) ListRevocations(ctx context.Context) (map[string]bool, error) {
	var recs []revocationRecord
	if err := g.db.WithContext(ctx).Find(&recs).Error; err != nil {
		return nil, fmt.Errorf("emberq: list revocations: %w", err)
	}
	out := make(map[string]bool, len(recs))
	for _, rec := range recs {
		out[rec.TaskID] = rec.Terminate
	}
	return out, nil
}

func (g *Gorm) HealthCheck(ctx context.Context) error {
	db, err := g.db.DB()
	if err != nil {
		return err
	}
	return db.PingContext(ctx)
}

func (g *Gorm) Close() error {
	g.stopOnce.Do(func() { close(g.stop) })
	db, err := g.db.DB()
	if err != nil {
		return err
	}
	return db.Close()
}
