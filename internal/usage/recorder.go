package usage

import (
	"context"
	"errors"
	"fmt"

	"gorm.io/gorm"
)

// ErrUnknownModel flags a rate-table gap: the call completed but no price is
// configured for the model, so no event is written.
var ErrUnknownModel = errors.New("usage: unknown model")

type Recorder struct {
	db    *gorm.DB
	rates RateTable
}

func NewRecorder(db *gorm.DB, rates RateTable) *Recorder {
	return &Recorder{db: db, rates: rates}
}

// Record appends one immutable usage event, pricing it from the rate table.
func (r *Recorder) Record(ctx context.Context, userID uint64, model string, promptTokens, completionTokens, totalTokens int) (*Event, error) {
	rate, ok := r.rates[model]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownModel, model)
	}

	ev := &Event{
		UserID:           userID,
		ModelName:        model,
		PromptTokens:     promptTokens,
		CompletionTokens: completionTokens,
		TotalTokens:      totalTokens,
		EstimatedCost:    float64(promptTokens)*rate.InputPerToken + float64(completionTokens)*rate.OutputPerToken,
	}
	if err := r.db.WithContext(ctx).Create(ev).Error; err != nil {
		return nil, err
	}
	return ev, nil
}
