package handlers

import (
	"errors"
	"log"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/gopherchat/gateway/internal/common"
	"github.com/gopherchat/gateway/internal/quota"
)

func failQuota(c *gin.Context, err error) {
	var exceeded *quota.ExceededError
	if errors.As(err, &exceeded) {
		common.Fail(c, http.StatusForbidden, "quota exceeded", gin.H{"quota": exceeded.State})
		return
	}
	log.Printf("[Quota] storage error: %v", err)
	common.Fail(c, http.StatusInternalServerError, "internal error")
}

type quotaDecrementReq struct {
	Model string `json:"model" binding:"required"`
}

func (h *Handler) QuotaDecrement(c *gin.Context) {
	p, ok := principalFromContext(c)
	if !ok {
		common.Fail(c, http.StatusUnauthorized, "unauthorized")
		return
	}

	var req quotaDecrementReq
	if err := c.ShouldBindJSON(&req); err != nil {
		common.Fail(c, http.StatusBadRequest, "model is required")
		return
	}

	st, err := h.Ledger.CheckAndIncrementShort(c.Request.Context(), p.UserID, req.Model)
	if err != nil {
		failQuota(c, err)
		return
	}
	common.OK(c, http.StatusOK, st)
}

type quotaLongReq struct {
	Model string `json:"model" binding:"required"`
	Count *int   `json:"count"`
}

func (h *Handler) QuotaLong(c *gin.Context) {
	p, ok := principalFromContext(c)
	if !ok {
		common.Fail(c, http.StatusUnauthorized, "unauthorized")
		return
	}

	var req quotaLongReq
	if err := c.ShouldBindJSON(&req); err != nil {
		common.Fail(c, http.StatusBadRequest, "model is required")
		return
	}

	count := 1
	if req.Count != nil {
		count = *req.Count
	}
	if count < 1 {
		common.Fail(c, http.StatusBadRequest, "count must be >= 1")
		return
	}

	st, err := h.Ledger.CheckAndIncrementLong(c.Request.Context(), p.UserID, req.Model, count)
	if err != nil {
		failQuota(c, err)
		return
	}
	common.OK(c, http.StatusOK, st)
}

func (h *Handler) QuotaList(c *gin.Context) {
	p, ok := principalFromContext(c)
	if !ok {
		common.Fail(c, http.StatusUnauthorized, "unauthorized")
		return
	}

	recs, err := h.Ledger.ListForUser(c.Request.Context(), p.UserID)
	if err != nil {
		failQuota(c, err)
		return
	}
	common.OK(c, http.StatusOK, gin.H{"quotas": recs})
}

type quotaUpdateReq struct {
	UserID uint64           `json:"userId"`
	Quotas []quota.MaxEntry `json:"quotas" binding:"required"`
}

// QuotaUpdate replaces the full quota configuration for a user. Admin only.
func (h *Handler) QuotaUpdate(c *gin.Context) {
	p, ok := principalFromContext(c)
	if !ok {
		common.Fail(c, http.StatusUnauthorized, "unauthorized")
		return
	}

	var req quotaUpdateReq
	if err := c.ShouldBindJSON(&req); err != nil {
		common.Fail(c, http.StatusBadRequest, "quotas are required")
		return
	}
	for _, e := range req.Quotas {
		if strings.TrimSpace(e.ModelName) == "" || e.ShortMax < 0 || e.LongMax < 0 {
			common.Fail(c, http.StatusBadRequest, "invalid quota entry")
			return
		}
	}

	target := req.UserID
	if target == 0 {
		target = p.UserID
	}

	if err := h.Ledger.BulkSetMaxima(c.Request.Context(), target, req.Quotas); err != nil {
		failQuota(c, err)
		return
	}
	common.OK(c, http.StatusOK, gin.H{"updated": len(req.Quotas)})
}

// QuotaResetManual zeroes counters and restores defaults. Admin only.
func (h *Handler) QuotaResetManual(c *gin.Context) {
	p, ok := principalFromContext(c)
	if !ok {
		common.Fail(c, http.StatusUnauthorized, "unauthorized")
		return
	}

	target := p.UserID
	if v := c.Query("userId"); v != "" {
		n, err := strconv.ParseUint(v, 10, 64)
		if err != nil || n == 0 {
			common.Fail(c, http.StatusBadRequest, "invalid userId")
			return
		}
		target = n
	}

	if err := h.Ledger.ResetUser(c.Request.Context(), target); err != nil {
		failQuota(c, err)
		return
	}
	common.OK(c, http.StatusOK, gin.H{"reset": target})
}
