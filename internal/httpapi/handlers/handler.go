package handlers

import (
	"github.com/gin-gonic/gin"
	"gorm.io/gorm"

	"github.com/gopherchat/gateway/internal/chat"
	"github.com/gopherchat/gateway/internal/config"
	"github.com/gopherchat/gateway/internal/gateway"
	"github.com/gopherchat/gateway/internal/httpapi/middleware"
	"github.com/gopherchat/gateway/internal/quota"
	"github.com/gopherchat/gateway/internal/store/rabbitmq"
	"github.com/gopherchat/gateway/internal/store/redisstore"
	"github.com/gopherchat/gateway/internal/usage"
)

type Handler struct {
	DB       *gorm.DB
	Cfg      config.Config
	Repo     *chat.Repo
	Gateway  *gateway.Service
	Ledger   *quota.Ledger
	Reporter *usage.Reporter
	Redis    *redisstore.Store
	Rabbit   *rabbitmq.Publisher
}

func NewHandler(db *gorm.DB, cfg config.Config, gw *gateway.Service, repo *chat.Repo, ledger *quota.Ledger, reporter *usage.Reporter, rds *redisstore.Store, rabbit *rabbitmq.Publisher) *Handler {
	return &Handler{
		DB:       db,
		Cfg:      cfg,
		Repo:     repo,
		Gateway:  gw,
		Ledger:   ledger,
		Reporter: reporter,
		Redis:    rds,
		Rabbit:   rabbit,
	}
}

func (h *Handler) Ping(c *gin.Context) {
	c.JSON(200, gin.H{"status": "ok"})
}

func principalFromContext(c *gin.Context) (gateway.Principal, bool) {
	v, ok := c.Get(middleware.UserIDKey)
	if !ok {
		return gateway.Principal{}, false
	}
	id, ok := v.(uint64)
	if !ok || id == 0 {
		return gateway.Principal{}, false
	}
	username := c.GetString(middleware.UsernameKey)
	role := c.GetString(middleware.RoleKey)
	return gateway.Principal{UserID: id, Username: username, Role: role}, true
}
