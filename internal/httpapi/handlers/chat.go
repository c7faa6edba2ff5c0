package handlers

import (
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"

	"github.com/gopherchat/gateway/internal/chat"
	"github.com/gopherchat/gateway/internal/common"
)

type createSessionReq struct {
	Name string `json:"name"`
}

func (h *Handler) CreateChatSession(c *gin.Context) {
	p, ok := principalFromContext(c)
	if !ok {
		common.Fail(c, http.StatusUnauthorized, "unauthorized")
		return
	}

	var req createSessionReq
	_ = c.ShouldBindJSON(&req) // allow empty {}

	sid, err := common.NewULID()
	if err != nil {
		common.Fail(c, http.StatusInternalServerError, "failed to create session")
		return
	}

	name := strings.TrimSpace(req.Name)
	if name == "" {
		name = "New conversation"
	}

	sess := &chat.Session{SessionID: sid, UserID: p.UserID, Name: name}
	if err := h.Repo.CreateSession(c.Request.Context(), sess); err != nil {
		common.Fail(c, http.StatusInternalServerError, "failed to create session")
		return
	}

	common.OK(c, http.StatusCreated, gin.H{"session_id": sess.SessionID, "name": sess.Name})
}

func (h *Handler) DeleteChatSession(c *gin.Context) {
	p, ok := principalFromContext(c)
	if !ok {
		common.Fail(c, http.StatusUnauthorized, "unauthorized")
		return
	}

	sessionID := c.Param("session_id")
	if err := h.Repo.DeleteSession(c.Request.Context(), p.UserID, sessionID); err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			common.Fail(c, http.StatusNotFound, "session not found")
			return
		}
		common.Fail(c, http.StatusInternalServerError, "internal error")
		return
	}
	common.OK(c, http.StatusOK, gin.H{"deleted": sessionID})
}

// ListChatMessages reads history: GET /chat/message?sessionId=&skip=&take=
func (h *Handler) ListChatMessages(c *gin.Context) {
	p, ok := principalFromContext(c)
	if !ok {
		common.Fail(c, http.StatusUnauthorized, "unauthorized")
		return
	}

	sessionID := c.Query("sessionId")
	if sessionID == "" {
		common.Fail(c, http.StatusBadRequest, "sessionId is required")
		return
	}

	if err := h.Gateway.ValidateSessionOwner(c.Request.Context(), p.UserID, sessionID); err != nil {
		failGenerate(c, err)
		return
	}

	skip, _ := strconv.Atoi(c.Query("skip"))
	take, _ := strconv.Atoi(c.Query("take"))

	msgs, err := h.Repo.ListMessagesPage(c.Request.Context(), p.UserID, sessionID, skip, take)
	if err != nil {
		common.Fail(c, http.StatusInternalServerError, "failed to list messages")
		return
	}

	common.OK(c, http.StatusOK, gin.H{"messages": msgs})
}

type appendMessageReq struct {
	SessionID string `json:"sessionId" binding:"required"`
	Text      string `json:"text" binding:"required"`
	ImageRef  string `json:"imageRef"`
}

// AppendChatMessage appends a user turn without triggering generation.
func (h *Handler) AppendChatMessage(c *gin.Context) {
	p, ok := principalFromContext(c)
	if !ok {
		common.Fail(c, http.StatusUnauthorized, "unauthorized")
		return
	}

	var req appendMessageReq
	if err := c.ShouldBindJSON(&req); err != nil {
		common.Fail(c, http.StatusBadRequest, "sessionId and text are required")
		return
	}

	if err := h.Gateway.ValidateSessionOwner(c.Request.Context(), p.UserID, req.SessionID); err != nil {
		failGenerate(c, err)
		return
	}

	msg := &chat.Message{
		SessionID: req.SessionID,
		UserID:    p.UserID,
		Role:      chat.RoleUser,
		Content:   req.Text,
	}
	if req.ImageRef != "" {
		msg.ImageRef = &req.ImageRef
	}
	if err := h.Repo.InsertMessage(c.Request.Context(), msg); err != nil {
		common.Fail(c, http.StatusInternalServerError, "failed to append message")
		return
	}

	common.OK(c, http.StatusCreated, gin.H{"message_id": msg.ID})
}
