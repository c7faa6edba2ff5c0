package usage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/gopherchat/gateway/internal/store/redisstore"
)

// Report windows.
const (
	WindowWeekly  = "weekly"
	WindowMonthly = "monthly"
	WindowYearly  = "yearly"
	WindowTotal   = "total"
)

const reportCacheTTL = 60 * time.Second

// ErrUnknownWindow rejects report windows outside the fixed set.
var ErrUnknownWindow = errors.New("usage: unknown report window")

// Summary is a read-time rollup of usage events.
type Summary struct {
	Window           string  `json:"window"`
	Requests         int64   `json:"requests"`
	PromptTokens     int64   `json:"prompt_tokens"`
	CompletionTokens int64   `json:"completion_tokens"`
	TotalTokens      int64   `json:"total_tokens"`
	EstimatedCost    float64 `json:"estimated_cost"`
}

// Reporter aggregates usage events at read time, caching rollups in Redis.
type Reporter struct {
	db    *gorm.DB
	cache *redisstore.Store
}

func NewReporter(db *gorm.DB, cache *redisstore.Store) *Reporter {
	return &Reporter{db: db, cache: cache}
}

func cutoffFor(window string, now time.Time) (time.Time, bool) {
	switch window {
	case WindowWeekly:
		return now.AddDate(0, 0, -7), true
	case WindowMonthly:
		return now.AddDate(0, -1, 0), true
	case WindowYearly:
		return now.AddDate(-1, 0, 0), true
	case WindowTotal:
		return time.Time{}, true
	}
	return time.Time{}, false
}

func (r *Reporter) Report(ctx context.Context, userID uint64, window string) (*Summary, error) {
	cutoff, ok := cutoffFor(window, time.Now())
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownWindow, window)
	}

	key := fmt.Sprintf("usage:report:%d:%s", userID, window)
	if r.cache != nil {
		var cached Summary
		if err := r.cache.GetJSON(ctx, key, &cached); err == nil {
			return &cached, nil
		}
	}

	q := r.db.WithContext(ctx).Model(&Event{}).Where("user_id = ?", userID)
	if !cutoff.IsZero() {
		q = q.Where("created_at >= ?", cutoff)
	}

	var row struct {
		Requests         int64
		PromptTokens     int64
		CompletionTokens int64
		TotalTokens      int64
		EstimatedCost    float64
	}
	err := q.Select(
		"COUNT(*) AS requests, " +
			"COALESCE(SUM(prompt_tokens),0) AS prompt_tokens, " +
			"COALESCE(SUM(completion_tokens),0) AS completion_tokens, " +
			"COALESCE(SUM(total_tokens),0) AS total_tokens, " +
			"COALESCE(SUM(estimated_cost),0) AS estimated_cost",
	).Scan(&row).Error
	if err != nil {
		return nil, err
	}

	sum := &Summary{
		Window:           window,
		Requests:         row.Requests,
		PromptTokens:     row.PromptTokens,
		CompletionTokens: row.CompletionTokens,
		TotalTokens:      row.TotalTokens,
		EstimatedCost:    row.EstimatedCost,
	}
	if r.cache != nil {
		_ = r.cache.SetJSON(ctx, key, sum, reportCacheTTL)
	}
	return sum, nil
}
