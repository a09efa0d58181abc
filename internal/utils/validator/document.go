// Package validator checks uploads before anything is stored.
package validator

import (
	"bytes"
	"fmt"
	"image"
	_ "image/jpeg"
	_ "image/png"
	"path/filepath"
	"strings"

	"github.com/gabriel-vasile/mimetype"
	_ "golang.org/x/image/tiff"

	"github.com/feichai0017/compliance-processor/internal/agent/document/pdf"
	"github.com/feichai0017/compliance-processor/internal/apperr"
	"github.com/feichai0017/compliance-processor/pkg/logger"
)

// DocumentValidator 文档验证器
type DocumentValidator struct {
	logger logger.Logger
	config *ValidatorConfig
}

// ValidatorConfig 验证器配置
type ValidatorConfig struct {
	MaxFileSize  int64               `yaml:"maxFileSize"`  // 最大文件大小（字节）
	AllowedTypes map[string][]string `yaml:"allowedTypes"` // 允许的文件类型 {扩展名: []MIME类型}
	MinDimension int                 `yaml:"minDimension"` // 图片最小尺寸
	MaxDimension int                 `yaml:"maxDimension"` // 图片最大尺寸
	MaxPageCount int                 `yaml:"maxPageCount"` // PDF最大页数
}

func DefaultConfig() *ValidatorConfig {
	return &ValidatorConfig{
		MaxFileSize: 50 * 1024 * 1024,
		AllowedTypes: map[string][]string{
			".pdf":  {"application/pdf"},
			".jpg":  {"image/jpeg"},
			".jpeg": {"image/jpeg"},
			".png":  {"image/png"},
			".tif":  {"image/tiff"},
			".tiff": {"image/tiff"},
		},
		MinDimension: 50,
		MaxDimension: 10000,
		MaxPageCount: 1000,
	}
}

// ValidationError 验证错误
type ValidationError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Field   string `json:"field,omitempty"`
}

// FileInfo 文件信息
type FileInfo struct {
	Filename  string `json:"filename"`
	Size      int64  `json:"size"`
	MimeType  string `json:"mimeType"`
	Extension string `json:"extension"`
	PageCount int    `json:"pageCount,omitempty"`
}

// ValidationResult 验证结果
type ValidationResult struct {
	IsValid  bool              `json:"isValid"`
	Errors   []ValidationError `json:"errors,omitempty"`
	FileInfo FileInfo          `json:"fileInfo"`
}

// Err folds the collected problems into one validation error, or nil.
func (r *ValidationResult) Err() error {
	if r.IsValid {
		return nil
	}
	msgs := make([]string, 0, len(r.Errors))
	for _, e := range r.Errors {
		msgs = append(msgs, e.Message)
	}
	return apperr.Validation("%s", strings.Join(msgs, "; "))
}

func (r *ValidationResult) add(code, field, format string, args ...interface{}) {
	r.IsValid = false
	r.Errors = append(r.Errors, ValidationError{Code: code, Field: field, Message: fmt.Sprintf(format, args...)})
}

// NewDocumentValidator 创建新的文档验证器
func NewDocumentValidator(log logger.Logger, config *ValidatorConfig) *DocumentValidator {
	if config == nil {
		config = DefaultConfig()
	}
	return &DocumentValidator{logger: log.Named("validator"), config: config}
}

// Validate sniffs the real media type from the bytes and checks it against
// the extension, the size limit and type specific limits.
func (v *DocumentValidator) Validate(filename string, data []byte) *ValidationResult {
	result := &ValidationResult{
		IsValid: true,
		FileInfo: FileInfo{
			Filename:  filepath.Base(filename),
			Size:      int64(len(data)),
			Extension: strings.ToLower(filepath.Ext(filename)),
		},
	}

	if len(data) == 0 {
		result.add("EMPTY_FILE", "file", "file is empty")
		return result
	}
	if v.config.MaxFileSize > 0 && result.FileInfo.Size > v.config.MaxFileSize {
		result.add("FILE_TOO_LARGE", "size", "file size exceeds maximum limit of %d bytes", v.config.MaxFileSize)
	}

	mtype := mimetype.Detect(data)
	result.FileInfo.MimeType = mtype.String()
	if i := strings.IndexByte(result.FileInfo.MimeType, ';'); i > 0 {
		result.FileInfo.MimeType = result.FileInfo.MimeType[:i]
	}

	allowed, ok := v.config.AllowedTypes[result.FileInfo.Extension]
	if !ok {
		result.add("INVALID_FILE_TYPE", "extension", "file type %s is not allowed", result.FileInfo.Extension)
		return result
	}
	if !mtype.Is(allowed[0]) && !contains(allowed, result.FileInfo.MimeType) {
		result.add("INVALID_MIME_TYPE", "mimeType", "content is %s, which does not match extension %s",
			result.FileInfo.MimeType, result.FileInfo.Extension)
		return result
	}
	result.FileInfo.MimeType = allowed[0]

	switch {
	case result.FileInfo.MimeType == "application/pdf":
		v.validatePDF(data, result)
	case strings.HasPrefix(result.FileInfo.MimeType, "image/"):
		v.validateImage(data, result)
	}

	if !result.IsValid {
		v.logger.Debug("Rejected upload",
			logger.String("filename", result.FileInfo.Filename),
			logger.Any("errors", result.Errors),
		)
	}
	return result
}

func (v *DocumentValidator) validatePDF(data []byte, result *ValidationResult) {
	pages, err := pdf.PageCount(data)
	if err != nil {
		result.add("CORRUPT_PDF", "file", "pdf cannot be read")
		return
	}
	result.FileInfo.PageCount = pages
	if pages == 0 {
		result.add("EMPTY_PDF", "file", "pdf has no pages")
	}
	if v.config.MaxPageCount > 0 && pages > v.config.MaxPageCount {
		result.add("TOO_MANY_PAGES", "file", "pdf has %d pages, limit is %d", pages, v.config.MaxPageCount)
	}
}

func (v *DocumentValidator) validateImage(data []byte, result *ValidationResult) {
	cfg, _, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		result.add("CORRUPT_IMAGE", "file", "image cannot be decoded")
		return
	}
	result.FileInfo.PageCount = 1
	if v.config.MinDimension > 0 && (cfg.Width < v.config.MinDimension || cfg.Height < v.config.MinDimension) {
		result.add("IMAGE_TOO_SMALL", "file", "image is %dx%d, minimum side is %d", cfg.Width, cfg.Height, v.config.MinDimension)
	}
	if v.config.MaxDimension > 0 && (cfg.Width > v.config.MaxDimension || cfg.Height > v.config.MaxDimension) {
		result.add("IMAGE_TOO_LARGE", "file", "image is %dx%d, maximum side is %d", cfg.Width, cfg.Height, v.config.MaxDimension)
	}
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
