package quota

import "time"

// Record is one (user, model) quota row, created lazily with default maxima.
type Record struct {
	ID         uint64    `gorm:"primaryKey;autoIncrement" json:"-"`
	UserID     uint64    `gorm:"not null;index:uniq_quota_user_model,unique,priority:1" json:"-"`
	ModelName  string    `gorm:"type:varchar(64);not null;index:uniq_quota_user_model,unique,priority:2" json:"model_name"`
	ShortCount int       `gorm:"not null;default:0" json:"short_count"`
	ShortMax   int       `gorm:"not null" json:"short_max"`
	LongCount  int       `gorm:"not null;default:0" json:"long_count"`
	LongMax    int       `gorm:"not null" json:"long_max"`
	LastReset  time.Time `json:"last_reset"`
	CreatedAt  time.Time `json:"-"`
	UpdatedAt  time.Time `json:"-"`
}

func (Record) TableName() string { return "quota_records" }
