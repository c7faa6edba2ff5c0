package quota

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Config carries the defaults for lazily created rows and the canonical model
// list restored by ResetUser. Constructed once at startup; never mutated.
type Config struct {
	DefaultShortMax int
	DefaultLongMax  int
	KnownModels     []string
}

// State is the counter snapshot returned by every successful check.
type State struct {
	Current   int `json:"current"`
	Max       int `json:"max"`
	Remaining int `json:"remaining"`
}

// ExceededError is the typed denial carrying the counters at denial time.
type ExceededError struct {
	Kind  string // "short" or "long"
	State State
}

func (e *ExceededError) Error() string {
	return fmt.Sprintf("quota exceeded: %s quota at %d/%d", e.Kind, e.State.Current, e.State.Max)
}

// MaxEntry is one model's replacement configuration for BulkSetMaxima.
type MaxEntry struct {
	ModelName string `json:"model_name"`
	ShortMax  int    `json:"max_requests"`
	LongMax   int    `json:"max_long_requests"`
}

// Ledger tracks per-(user, model) short and long request counters. All
// increments go through single conditional UPDATEs so two concurrent requests
// can never both consume the last unit of headroom.
type Ledger struct {
	db  *gorm.DB
	cfg Config
}

func NewLedger(db *gorm.DB, cfg Config) *Ledger {
	if cfg.DefaultShortMax <= 0 {
		cfg.DefaultShortMax = 30
	}
	if cfg.DefaultLongMax <= 0 {
		cfg.DefaultLongMax = 5
	}
	return &Ledger{db: db, cfg: cfg}
}

// CheckAndIncrementShort consumes one short-quota unit. A row missing for the
// pair is created with default maxima, then the increment is retried once.
func (l *Ledger) CheckAndIncrementShort(ctx context.Context, userID uint64, model string) (State, error) {
	return l.increment(ctx, userID, model, "short_count", "short_count < short_max", 1, "short")
}

// CheckAndIncrementLong consumes n long-quota units; the check compares
// current + n against the maximum so an oversized request can never push the
// counter past its ceiling.
func (l *Ledger) CheckAndIncrementLong(ctx context.Context, userID uint64, model string, n int) (State, error) {
	if n < 1 {
		return State{}, errors.New("quota: increment must be >= 1")
	}
	return l.increment(ctx, userID, model, "long_count", "long_count + ? <= long_max", n, "long")
}

func (l *Ledger) increment(ctx context.Context, userID uint64, model, column, guard string, n int, kind string) (State, error) {
	for attempt := 0; attempt < 2; attempt++ {
		q := l.db.WithContext(ctx).Model(&Record{}).
			Where("user_id = ? AND model_name = ?", userID, model)
		if kind == "long" {
			q = q.Where(guard, n)
		} else {
			q = q.Where(guard)
		}
		res := q.UpdateColumn(column, gorm.Expr(column+" + ?", n))
		if res.Error != nil {
			return State{}, res.Error
		}
		if res.RowsAffected == 1 {
			return l.snapshot(ctx, userID, model, kind)
		}

		// Either the row does not exist yet or the ceiling is reached.
		var rec Record
		err := l.db.WithContext(ctx).
			Where("user_id = ? AND model_name = ?", userID, model).
			First(&rec).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			if err := l.createDefault(ctx, userID, model); err != nil {
				return State{}, err
			}
			continue
		}
		if err != nil {
			return State{}, err
		}

		st := stateFor(&rec, kind)
		st.Remaining = 0
		return st, &ExceededError{Kind: kind, State: st}
	}
	return State{}, errors.New("quota: increment retry exhausted")
}

func (l *Ledger) createDefault(ctx context.Context, userID uint64, model string) error {
	rec := Record{
		UserID:    userID,
		ModelName: model,
		ShortMax:  l.cfg.DefaultShortMax,
		LongMax:   l.cfg.DefaultLongMax,
		LastReset: time.Now(),
	}
	// A concurrent creator winning the race is fine; the caller re-runs the
	// conditional update either way.
	return l.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(&rec).Error
}

func (l *Ledger) snapshot(ctx context.Context, userID uint64, model, kind string) (State, error) {
	var rec Record
	if err := l.db.WithContext(ctx).
		Where("user_id = ? AND model_name = ?", userID, model).
		First(&rec).Error; err != nil {
		return State{}, err
	}
	return stateFor(&rec, kind), nil
}

func stateFor(rec *Record, kind string) State {
	if kind == "long" {
		return State{Current: rec.LongCount, Max: rec.LongMax, Remaining: rec.LongMax - rec.LongCount}
	}
	return State{Current: rec.ShortCount, Max: rec.ShortMax, Remaining: rec.ShortMax - rec.ShortCount}
}

// Get returns the current row for a pair, lazily creating the default row.
func (l *Ledger) Get(ctx context.Context, userID uint64, model string) (*Record, error) {
	var rec Record
	err := l.db.WithContext(ctx).
		Where("user_id = ? AND model_name = ?", userID, model).
		First(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		if err := l.createDefault(ctx, userID, model); err != nil {
			return nil, err
		}
		err = l.db.WithContext(ctx).
			Where("user_id = ? AND model_name = ?", userID, model).
			First(&rec).Error
	}
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

// ResetUser zeroes both counters, restores default maxima for the canonical
// model list and stamps last_reset. Rows missing for known models are created.
func (l *Ledger) ResetUser(ctx context.Context, userID uint64) error {
	now := time.Now()
	return l.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for _, model := range l.cfg.KnownModels {
			rec := Record{
				UserID:    userID,
				ModelName: model,
				ShortMax:  l.cfg.DefaultShortMax,
				LongMax:   l.cfg.DefaultLongMax,
				LastReset: now,
			}
			err := tx.Clauses(clause.OnConflict{
				Columns: []clause.Column{{Name: "user_id"}, {Name: "model_name"}},
				DoUpdates: clause.Assignments(map[string]any{
					"short_count": 0,
					"short_max":   l.cfg.DefaultShortMax,
					"long_count":  0,
					"long_max":    l.cfg.DefaultLongMax,
					"last_reset":  now,
				}),
			}).Create(&rec).Error
			if err != nil {
				return err
			}
		}
		// Zero counters on any extra rows the user accumulated beyond the
		// canonical list.
		return tx.Model(&Record{}).
			Where("user_id = ?", userID).
			Updates(map[string]any{"short_count": 0, "long_count": 0, "last_reset": now}).Error
	})
}

// BulkSetMaxima replaces the user's full quota configuration: rows for models
// absent from entries are deleted, present ones are updated or inserted.
func (l *Ledger) BulkSetMaxima(ctx context.Context, userID uint64, entries []MaxEntry) error {
	return l.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		keep := make([]string, 0, len(entries))
		for _, e := range entries {
			keep = append(keep, e.ModelName)
		}

		q := tx.Where("user_id = ?", userID)
		if len(keep) > 0 {
			q = q.Where("model_name NOT IN ?", keep)
		}
		if err := q.Delete(&Record{}).Error; err != nil {
			return err
		}

		now := time.Now()
		for _, e := range entries {
			rec := Record{
				UserID:    userID,
				ModelName: e.ModelName,
				ShortMax:  e.ShortMax,
				LongMax:   e.LongMax,
				LastReset: now,
			}
			err := tx.Clauses(clause.OnConflict{
				Columns: []clause.Column{{Name: "user_id"}, {Name: "model_name"}},
				DoUpdates: clause.Assignments(map[string]any{
					"short_max": e.ShortMax,
					"long_max":  e.LongMax,
				}),
			}).Create(&rec).Error
			if err != nil {
				return err
			}
		}
		return nil
	})
}

// ListForUser returns every quota row for a user.
func (l *Ledger) ListForUser(ctx context.Context, userID uint64) ([]Record, error) {
	var recs []Record
	if err := l.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("model_name ASC").
		Find(&recs).Error; err != nil {
		return nil, err
	}
	return recs, nil
}
