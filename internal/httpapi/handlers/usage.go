package handlers

import (
	"errors"
	"log"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/gopherchat/gateway/internal/common"
	"github.com/gopherchat/gateway/internal/usage"
)

// UsageReport serves read-time rollups: GET /usage/report?window=weekly
func (h *Handler) UsageReport(c *gin.Context) {
	p, ok := principalFromContext(c)
	if !ok {
		common.Fail(c, http.StatusUnauthorized, "unauthorized")
		return
	}

	window := c.DefaultQuery("window", usage.WindowTotal)
	sum, err := h.Reporter.Report(c.Request.Context(), p.UserID, window)
	if err != nil {
		if errors.Is(err, usage.ErrUnknownWindow) {
			common.Fail(c, http.StatusBadRequest, "unknown report window")
			return
		}
		log.Printf("[UsageReport] aggregation failed user=%d window=%s err=%v", p.UserID, window, err)
		common.Fail(c, http.StatusInternalServerError, "internal error")
		return
	}

	common.OK(c, http.StatusOK, sum)
}
