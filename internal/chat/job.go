package chat

import "time"

type JobStatus string

const (
	JobQueued    JobStatus = "queued"
	JobRunning   JobStatus = "running"
	JobSucceeded JobStatus = "succeeded"
	JobFailed    JobStatus = "failed"
)

// GenerationJob is one queued "generate a reply" request, processed by the
// worker. UserMessageID bounds context assembly so the already-persisted user
// turn is not folded into its own history.
type GenerationJob struct {
	ID string `gorm:"primaryKey;size:26"` // ULID length

	UserID    uint64 `gorm:"not null;index:uniq_user_idempo,unique,priority:1"`
	SessionID string `gorm:"size:26;index;not null"`

	Provider string `gorm:"type:varchar(32)"`
	Model    string `gorm:"type:varchar(64);not null"`
	Prompt   string `gorm:"type:text;not null"`

	UserMessageID uint64 `gorm:"not null"`

	IdempotencyKey *string `gorm:"type:varchar(128);index:uniq_user_idempo,unique,priority:2" json:"idempotency_key"`

	Status JobStatus `gorm:"type:varchar(16);index;not null"`

	// Filled when succeeded
	ResultMessageID *uint64 `gorm:"index"`

	// Filled when failed
	Error *string `gorm:"type:text"`

	CreatedAt time.Time
	UpdatedAt time.Time
}
