// Package handlers exposes the job, document and process operations over
// HTTP with gin.
package handlers

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/feichai0017/compliance-processor/internal/apperr"
	"github.com/feichai0017/compliance-processor/internal/models"
	"github.com/feichai0017/compliance-processor/internal/service/document"
	"github.com/feichai0017/compliance-processor/internal/service/orchestration"
	"github.com/feichai0017/compliance-processor/internal/service/runner"
	"github.com/feichai0017/compliance-processor/pkg/logger"
)

// OwnerHeader carries the caller identity set by the upstream gateway.
const OwnerHeader = "X-User-ID"

type DocumentService interface {
	Upload(ctx context.Context, req document.UploadRequest) (*models.Document, error)
	Get(ctx context.Context, documentID string) (*models.Document, error)
	GetStatus(ctx context.Context, documentID string) (*models.DocumentStatus, error)
	Delete(ctx context.Context, documentID string) error
}

type JobService interface {
	GetJob(ctx context.Context, id string) (*models.Job, error)
	ListJobs(ctx context.Context, filter models.JobFilter, page, pageSize int) (*models.JobPage, error)
}

// JobRunner starts and cancels background jobs.
type JobRunner interface {
	Submit(ctx context.Context, req runner.SubmitRequest) (*models.Job, error)
	CancelJob(ctx context.Context, id string) (*models.Job, error)
}

type Processor interface {
	Process(ctx context.Context, req orchestration.Request, onProgress orchestration.ProgressFunc) (*orchestration.Response, error)
}

type Handlers struct {
	Document *DocumentHandler
	Job      *JobHandler
	Process  *ProcessHandler
}

func NewHandlers(
	documents DocumentService,
	jobs JobService,
	jobRunner JobRunner,
	processor Processor,
	maxUploadBytes int64,
	log logger.Logger,
) *Handlers {
	log = log.Named("api")
	return &Handlers{
		Document: NewDocumentHandler(documents, maxUploadBytes, log),
		Job:      NewJobHandler(jobs, jobRunner, log),
		Process:  NewProcessHandler(processor, log),
	}
}

// ErrorResponse 定义错误响应结构
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// handleError 统一错误处理
func handleError(c *gin.Context, log logger.Logger, err error) {
	status := apperr.HTTPStatus(err)
	fields := []logger.Field{
		logger.String("path", c.Request.URL.Path),
		logger.Int("status", status),
		logger.Error(err),
	}
	log = logger.FromContext(c.Request.Context(), log)
	if status >= http.StatusInternalServerError {
		log.Error("Request failed", fields...)
	} else {
		log.Debug("Request rejected", fields...)
	}

	c.JSON(status, ErrorResponse{
		Error:   string(apperr.KindOf(err)),
		Message: err.Error(),
	})
}

func owner(c *gin.Context, fallback string) string {
	if v := c.GetHeader(OwnerHeader); v != "" {
		return v
	}
	return fallback
}
