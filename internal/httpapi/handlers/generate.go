package handlers

import (
	"errors"
	"fmt"
	"log"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/gopherchat/gateway/internal/ai"
	"github.com/gopherchat/gateway/internal/chat"
	"github.com/gopherchat/gateway/internal/common"
	"github.com/gopherchat/gateway/internal/gateway"
	"github.com/gopherchat/gateway/internal/quota"
)

type generateReq struct {
	Provider  string `json:"provider"`
	Model     string `json:"model"`
	Prompt    string `json:"prompt"`
	SessionID string `json:"sessionId"`
	Context   string `json:"context"`
	Image     string `json:"image"`
	Stream    bool   `json:"stream"`
}

// failGenerate maps the pipeline's failure taxonomy onto HTTP statuses.
func failGenerate(c *gin.Context, err error) {
	var exceeded *quota.ExceededError
	if errors.As(err, &exceeded) {
		common.Fail(c, http.StatusForbidden, "quota exceeded", gin.H{"quota": exceeded.State})
		return
	}

	var provErr *ai.ProviderError
	if errors.As(err, &provErr) {
		common.Fail(c, http.StatusInternalServerError, provErr.Message)
		return
	}

	switch {
	case errors.Is(err, gateway.ErrBadRequest), errors.Is(err, ai.ErrUnsupportedModel):
		common.Fail(c, http.StatusBadRequest, err.Error())
	case errors.Is(err, gateway.ErrUnauthorized):
		common.Fail(c, http.StatusUnauthorized, "unauthorized")
	case errors.Is(err, gateway.ErrForbidden):
		common.Fail(c, http.StatusForbidden, "forbidden")
	case errors.Is(err, gateway.ErrSessionNotFound):
		common.Fail(c, http.StatusNotFound, "session not found")
	default:
		log.Printf("[Generate] internal error: %v", err)
		common.Fail(c, http.StatusInternalServerError, "internal error")
	}
}

func (h *Handler) Generate(c *gin.Context) {
	p, ok := principalFromContext(c)
	if !ok {
		common.Fail(c, http.StatusUnauthorized, "unauthorized")
		return
	}

	var req generateReq
	if err := c.ShouldBindJSON(&req); err != nil {
		common.Fail(c, http.StatusBadRequest, "invalid json")
		return
	}

	in := gateway.Input{
		Provider:  req.Provider,
		Model:     req.Model,
		Prompt:    req.Prompt,
		SessionID: req.SessionID,
		Context:   req.Context,
		Image:     req.Image,
		Stream:    req.Stream,
	}

	if req.Stream {
		h.generateStream(c, p, in)
		return
	}

	out, err := h.Gateway.Generate(c.Request.Context(), p, in)
	if err != nil {
		failGenerate(c, err)
		return
	}
	common.OK(c, http.StatusOK, out)
}

// generateStream writes text/event-stream frames: one "data: <fragment>"
// line per delta, terminated by closing the stream.
func (h *Handler) generateStream(c *gin.Context, p gateway.Principal, in gateway.Input) {
	ctx := c.Request.Context()

	chunks, errs, err := h.Gateway.GenerateStream(ctx, p, in)
	if err != nil {
		failGenerate(c, err)
		return
	}

	flusher, ok := c.Writer.(http.Flusher)
	if !ok {
		common.Fail(c, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no") // helpful if behind nginx
	c.Status(http.StatusOK)

	for {
		select {
		case delta, ok := <-chunks:
			if !ok {
				return
			}
			fmt.Fprintf(c.Writer, "data: %s\n\n", delta)
			flusher.Flush()

		case err := <-errs:
			if err == nil {
				continue
			}
			fmt.Fprintf(c.Writer, "data: [ERROR] generation failed\n\n")
			flusher.Flush()
			return

		case <-ctx.Done():
			return
		}
	}
}

func (h *Handler) GenerateAsync(c *gin.Context) {
	p, ok := principalFromContext(c)
	if !ok {
		common.Fail(c, http.StatusUnauthorized, "unauthorized")
		return
	}

	var req generateReq
	if err := c.ShouldBindJSON(&req); err != nil {
		common.Fail(c, http.StatusBadRequest, "invalid json")
		return
	}
	if strings.TrimSpace(req.Prompt) == "" || strings.TrimSpace(req.SessionID) == "" {
		common.Fail(c, http.StatusBadRequest, "prompt and sessionId are required")
		return
	}

	idempoKey := strings.TrimSpace(c.GetHeader("Idempotency-Key"))
	if len(idempoKey) > 128 {
		common.Fail(c, http.StatusBadRequest, "idempotency key too long")
		return
	}
	var idempoKeyPtr *string
	if idempoKey != "" {
		idempoKeyPtr = &idempoKey
	}

	if err := h.Gateway.ValidateSessionOwner(c.Request.Context(), p.UserID, req.SessionID); err != nil {
		failGenerate(c, err)
		return
	}

	// The user turn is persisted up front so the client sees it immediately;
	// the worker's context window is bounded by its id.
	userMsg := &chat.Message{
		SessionID: req.SessionID,
		UserID:    p.UserID,
		Role:      chat.RoleUser,
		Content:   req.Prompt,
	}
	if err := h.Repo.InsertMessage(c.Request.Context(), userMsg); err != nil {
		log.Printf("[GenerateAsync] insert user message failed uid=%d session=%s err=%v", p.UserID, req.SessionID, err)
		common.Fail(c, http.StatusInternalServerError, "internal error")
		return
	}

	jobID, err := common.NewULID()
	if err != nil {
		common.Fail(c, http.StatusInternalServerError, "internal error")
		return
	}

	j := &chat.GenerationJob{
		ID:             jobID,
		UserID:         p.UserID,
		SessionID:      req.SessionID,
		Provider:       req.Provider,
		Model:          req.Model,
		Prompt:         req.Prompt,
		UserMessageID:  userMsg.ID,
		IdempotencyKey: idempoKeyPtr,
		Status:         chat.JobQueued,
	}

	j, created, err := h.Repo.CreateJobOrGetExisting(c.Request.Context(), j)
	if err != nil {
		log.Printf("[GenerateAsync] create job failed uid=%d session=%s err=%v", p.UserID, req.SessionID, err)
		common.Fail(c, http.StatusInternalServerError, "internal error")
		return
	}

	if created {
		if err := h.Rabbit.PublishJob(c.Request.Context(), j.ID); err != nil {
			log.Printf("[GenerateAsync] publish failed uid=%d job=%s err=%v", p.UserID, j.ID, err)
			common.Fail(c, http.StatusInternalServerError, "enqueue failed")
			return
		}
	}

	common.OK(c, http.StatusAccepted, gin.H{"job_id": j.ID})
}

func (h *Handler) GetGenerationJob(c *gin.Context) {
	p, ok := principalFromContext(c)
	if !ok {
		common.Fail(c, http.StatusUnauthorized, "unauthorized")
		return
	}

	jobID := c.Param("job_id")
	if jobID == "" {
		common.Fail(c, http.StatusBadRequest, "job_id required")
		return
	}

	j, err := h.Repo.GetJobByID(c.Request.Context(), jobID)
	if err != nil {
		common.Fail(c, http.StatusNotFound, "job not found")
		return
	}
	if j.UserID != p.UserID {
		// hide existence
		common.Fail(c, http.StatusNotFound, "job not found")
		return
	}

	common.OK(c, http.StatusOK, gin.H{
		"job": gin.H{
			"id":                j.ID,
			"session_id":        j.SessionID,
			"status":            j.Status,
			"result_message_id": j.ResultMessageID,
			"error":             j.Error,
			"created_at":        j.CreatedAt,
			"updated_at":        j.UpdatedAt,
		},
	})
}
