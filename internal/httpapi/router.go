package httpapi

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/gopherchat/gateway/internal/common"
	"github.com/gopherchat/gateway/internal/config"
	"github.com/gopherchat/gateway/internal/httpapi/handlers"
	"github.com/gopherchat/gateway/internal/httpapi/middleware"
)

func NewRouter(cfg config.Config, h *handlers.Handler) *gin.Engine {
	r := gin.New()
	r.HandleMethodNotAllowed = true
	r.Use(gin.Logger())
	r.Use(middleware.Recovery())
	r.Use(middleware.RequestID())

	r.NoRoute(func(c *gin.Context) {
		common.Fail(c, http.StatusNotFound, "route not found")
	})
	r.NoMethod(func(c *gin.Context) {
		common.Fail(c, http.StatusMethodNotAllowed, "method not allowed")
	})

	r.GET("/ping", h.Ping)
	r.POST("/users", h.CreateUser)
	r.POST("/login", h.Login)

	authGroup := r.Group("/")
	authGroup.Use(middleware.AuthRequired(cfg.JWTSecret))

	authGroup.GET("/me", h.Me)

	// Generation gateway
	authGroup.POST("/generate", h.Generate)
	authGroup.POST("/generate/async", h.GenerateAsync)
	authGroup.GET("/generate/jobs/:job_id", h.GetGenerationJob)

	// Quota ledger
	authGroup.POST("/quota/decrement", h.QuotaDecrement)
	authGroup.POST("/quota/long", h.QuotaLong)
	authGroup.GET("/quota", h.QuotaList)

	adminGroup := authGroup.Group("/")
	adminGroup.Use(middleware.AdminRequired())
	adminGroup.PUT("/quota/update", h.QuotaUpdate)
	adminGroup.POST("/quota/reset-manual", h.QuotaResetManual)

	// Conversation history
	authGroup.POST("/chat/sessions", h.CreateChatSession)
	authGroup.DELETE("/chat/sessions/:session_id", h.DeleteChatSession)
	authGroup.GET("/chat/message", h.ListChatMessages)
	authGroup.POST("/chat/message", h.AppendChatMessage)

	// Usage reporting
	authGroup.GET("/usage/report", h.UsageReport)

	return r
}
