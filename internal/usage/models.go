package usage

import "time"

// Event is one immutable token-usage record. Append-only; rollups are a
// read-time concern.
type Event struct {
	ID               uint64    `gorm:"primaryKey;autoIncrement" json:"id"`
	UserID           uint64    `gorm:"index;not null" json:"-"`
	ModelName        string    `gorm:"type:varchar(64);index;not null" json:"model_name"`
	PromptTokens     int       `gorm:"not null" json:"prompt_tokens"`
	CompletionTokens int       `gorm:"not null" json:"completion_tokens"`
	TotalTokens      int       `gorm:"not null" json:"total_tokens"`
	EstimatedCost    float64   `gorm:"not null" json:"estimated_cost"`
	CreatedAt        time.Time `gorm:"index" json:"created_at"`
}

func (Event) TableName() string { return "usage_events" }
