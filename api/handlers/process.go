package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/feichai0017/compliance-processor/internal/apperr"
	"github.com/feichai0017/compliance-processor/internal/service/orchestration"
	"github.com/feichai0017/compliance-processor/pkg/logger"
)

type ProcessHandler struct {
	processor Processor
	logger    logger.Logger
}

func NewProcessHandler(processor Processor, log logger.Logger) *ProcessHandler {
	return &ProcessHandler{processor: processor, logger: log}
}

// Process runs the orchestration synchronously. Stage failures are part of
// the 200 response; only invalid requests are errors.
func (h *ProcessHandler) Process(c *gin.Context) {
	var req orchestration.Request
	if err := c.ShouldBindJSON(&req); err != nil {
		handleError(c, h.logger, apperr.Validation("invalid request body: %v", err))
		return
	}
	req.Owner = owner(c, req.Owner)

	resp, err := h.processor.Process(c.Request.Context(), req, nil)
	if err != nil {
		handleError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, resp)
}
