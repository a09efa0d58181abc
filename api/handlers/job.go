package handlers

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/feichai0017/compliance-processor/internal/apperr"
	"github.com/feichai0017/compliance-processor/internal/models"
	"github.com/feichai0017/compliance-processor/internal/service/runner"
	"github.com/feichai0017/compliance-processor/pkg/logger"
)

type JobHandler struct {
	jobs   JobService
	runner JobRunner
	logger logger.Logger
}

func NewJobHandler(jobs JobService, runner JobRunner, log logger.Logger) *JobHandler {
	return &JobHandler{jobs: jobs, runner: runner, logger: log}
}

// Create answers 202 with the PENDING job; the work runs in the background.
func (h *JobHandler) Create(c *gin.Context) {
	var req runner.SubmitRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		handleError(c, h.logger, apperr.Validation("invalid request body: %v", err))
		return
	}
	req.Owner = owner(c, req.Owner)

	job, err := h.runner.Submit(c.Request.Context(), req)
	if err != nil {
		handleError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusAccepted, job)
}

func (h *JobHandler) Get(c *gin.Context) {
	job, err := h.jobs.GetJob(c.Request.Context(), c.Param("id"))
	if err != nil {
		handleError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, job)
}

func (h *JobHandler) List(c *gin.Context) {
	page, err := intQuery(c, "page", 1)
	if err != nil {
		handleError(c, h.logger, err)
		return
	}
	pageSize, err := intQuery(c, "pageSize", 0)
	if err != nil {
		handleError(c, h.logger, err)
		return
	}

	filter := models.JobFilter{
		Owner:  owner(c, c.Query("owner")),
		Type:   models.JobType(c.Query("type")),
		Status: models.JobStatus(c.Query("status")),
	}
	result, err := h.jobs.ListJobs(c.Request.Context(), filter, page, pageSize)
	if err != nil {
		handleError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

func (h *JobHandler) Cancel(c *gin.Context) {
	job, err := h.runner.CancelJob(c.Request.Context(), c.Param("id"))
	if err != nil {
		handleError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, job)
}

func intQuery(c *gin.Context, key string, def int) (int, error) {
	raw := c.Query(key)
	if raw == "" {
		return def, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, apperr.Validation("%s must be an integer", key)
	}
	return v, nil
}
