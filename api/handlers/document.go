package handlers

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/feichai0017/compliance-processor/internal/apperr"
	"github.com/feichai0017/compliance-processor/internal/models"
	"github.com/feichai0017/compliance-processor/internal/service/document"
	"github.com/feichai0017/compliance-processor/pkg/converters"
	"github.com/feichai0017/compliance-processor/pkg/logger"
)

type DocumentHandler struct {
	service   DocumentService
	converter converters.DocumentConverter
	maxBytes  int64
	logger    logger.Logger
}

// UploadResponse 定义上传响应结构
type UploadResponse struct {
	DocumentID       string                  `json:"documentId"`
	ProcessingStatus models.ProcessingStatus `json:"processingStatus"`
	Filename         string                  `json:"filename"`
	MediaType        string                  `json:"mediaType"`
	SizeBytes        int64                   `json:"sizeBytes"`
	ContentHash      string                  `json:"contentHash"`
	CreatedAt        string                  `json:"createdAt"`
}

func NewDocumentHandler(service DocumentService, maxBytes int64, log logger.Logger) *DocumentHandler {
	return &DocumentHandler{
		service:   service,
		converter: converters.NewJSONConverter(),
		maxBytes:  maxBytes,
		logger:    log,
	}
}

// Upload accepts a multipart "file" and answers 202 once the document is
// stored; extraction continues in the background.
func (h *DocumentHandler) Upload(c *gin.Context) {
	file, header, err := c.Request.FormFile("file")
	if err != nil {
		handleError(c, h.logger, apperr.Validation("invalid file upload: %v", err))
		return
	}
	defer file.Close()

	var r io.Reader = file
	if h.maxBytes > 0 {
		// one byte over the limit is enough for the validator to reject it
		r = io.LimitReader(file, h.maxBytes+1)
	}
	data, err := io.ReadAll(r)
	if err != nil {
		handleError(c, h.logger, apperr.Validation("failed to read upload: %v", err))
		return
	}

	doc, err := h.service.Upload(c.Request.Context(), document.UploadRequest{
		Filename:             header.Filename,
		Data:                 data,
		OwnerID:              owner(c, c.PostForm("ownerId")),
		SourceClassification: models.SourceClassification(c.PostForm("sourceClassification")),
	})
	if err != nil {
		handleError(c, h.logger, err)
		return
	}

	c.JSON(http.StatusAccepted, UploadResponse{
		DocumentID:       doc.ID,
		ProcessingStatus: doc.ProcessingStatus,
		Filename:         doc.OriginalName,
		MediaType:        doc.MediaType,
		SizeBytes:        doc.SizeBytes,
		ContentHash:      doc.ContentHash,
		CreatedAt:        doc.CreatedAt.Format(time.RFC3339),
	})
}

func (h *DocumentHandler) Get(c *gin.Context) {
	doc, err := h.service.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		handleError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, doc)
}

// GetStatus 获取处理状态
func (h *DocumentHandler) GetStatus(c *gin.Context) {
	status, err := h.service.GetStatus(c.Request.Context(), c.Param("id"))
	if err != nil {
		handleError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, status)
}

func (h *DocumentHandler) Delete(c *gin.Context) {
	if err := h.service.Delete(c.Request.Context(), c.Param("id")); err != nil {
		handleError(c, h.logger, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// DownloadResult 下载处理结果
func (h *DocumentHandler) DownloadResult(c *gin.Context) {
	id := c.Param("id")
	doc, err := h.service.Get(c.Request.Context(), id)
	if err != nil {
		handleError(c, h.logger, err)
		return
	}

	result, err := h.converter.Convert(doc)
	if err != nil {
		handleError(c, h.logger, err)
		return
	}

	// 将结果转换为 JSON
	resultJSON, err := json.Marshal(result)
	if err != nil {
		handleError(c, h.logger, fmt.Errorf("failed to serialize result: %w", err))
		return
	}

	c.Header("Content-Disposition", fmt.Sprintf("attachment; filename=result_%s.json", id))
	c.Data(http.StatusOK, "application/json", resultJSON)
}
