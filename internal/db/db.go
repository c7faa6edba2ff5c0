package db

import (
	"log"
	"time"

	"gorm.io/driver/mysql"
	"gorm.io/gorm"

	"github.com/gopherchat/gateway/internal/chat"
	"github.com/gopherchat/gateway/internal/models"
	"github.com/gopherchat/gateway/internal/quota"
	"github.com/gopherchat/gateway/internal/usage"
)

// Connect opens the MySQL pool and migrates the schema. Fatal on failure:
// nothing works without storage.
func Connect(dsn string) *gorm.DB {
	gdb, err := gorm.Open(mysql.Open(dsn), &gorm.Config{})
	if err != nil {
		log.Fatalf("db open: %v", err)
	}

	sqlDB, err := gdb.DB()
	if err != nil {
		log.Fatalf("db pool: %v", err)
	}
	sqlDB.SetMaxOpenConns(50)
	sqlDB.SetMaxIdleConns(10)
	sqlDB.SetConnMaxLifetime(time.Hour)

	if err := gdb.AutoMigrate(
		&models.User{},
		&chat.Session{},
		&chat.Message{},
		&chat.GenerationJob{},
		&quota.Record{},
		&usage.Event{},
	); err != nil {
		log.Fatalf("db migrate: %v", err)
	}
	return gdb
}
