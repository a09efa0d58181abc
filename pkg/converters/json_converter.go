// Package converters renders processed documents into downloadable export
// formats.
package converters

import (
	"fmt"
	"strings"
	"time"

	"github.com/feichai0017/compliance-processor/internal/apperr"
	"github.com/feichai0017/compliance-processor/internal/models"
)

// DocumentConverter 定义文档转换器接口
type DocumentConverter interface {
	Convert(doc *models.Document) (*ProcessedDocument, error)
}

// ProcessedDocument 定义处理后的文档结构
type ProcessedDocument struct {
	DocumentID  string           `json:"documentId"`
	Status      string           `json:"status"`
	Content     []ChunkContent   `json:"content"`
	Metadata    DocumentMetadata `json:"metadata"`
	ProcessedAt time.Time        `json:"processedAt"`
}

// ChunkContent 定义文档块内容
type ChunkContent struct {
	Text     string `json:"text"`
	Position int    `json:"position"`
	Type     string `json:"type"`
}

// DocumentMetadata 定义文档元数据
type DocumentMetadata struct {
	FileName             string  `json:"fileName"`
	FileType             string  `json:"fileType"`
	FileSize             int64   `json:"fileSize"`
	PageCount            int     `json:"pageCount,omitempty"`
	SourceClassification string  `json:"sourceClassification"`
	ContentHash          string  `json:"contentHash"`
	Confidence           float64 `json:"confidence"`
	ProcessingMs         int64   `json:"processingMs"`
}

// JSONConverter 实现文档转换器
type JSONConverter struct{}

func NewJSONConverter() *JSONConverter {
	return &JSONConverter{}
}

// Convert splits the extracted text into blank-line separated blocks. Only
// PROCESSED documents have something to export.
func (c *JSONConverter) Convert(doc *models.Document) (*ProcessedDocument, error) {
	if doc == nil {
		return nil, fmt.Errorf("no document to convert")
	}
	if doc.ProcessingStatus != models.StatusProcessed || doc.ExtractedText == nil {
		return nil, apperr.Validation("document %s is %s; no result to export", doc.ID, doc.ProcessingStatus)
	}

	out := &ProcessedDocument{
		DocumentID: doc.ID,
		Status:     string(doc.ProcessingStatus),
		Content:    make([]ChunkContent, 0),
		Metadata: DocumentMetadata{
			FileName:             doc.OriginalName,
			FileType:             doc.MediaType,
			FileSize:             doc.SizeBytes,
			PageCount:            doc.PageCount,
			SourceClassification: string(doc.SourceClassification),
			ContentHash:          doc.ContentHash,
		},
	}
	if doc.ConfidenceScore != nil {
		out.Metadata.Confidence = *doc.ConfidenceScore
	}
	if doc.ProcessedAt != nil {
		out.ProcessedAt = *doc.ProcessedAt
		out.Metadata.ProcessingMs = doc.ProcessedAt.Sub(doc.CreatedAt).Milliseconds()
	}

	for _, block := range strings.Split(*doc.ExtractedText, "\n\n") {
		block = strings.TrimSpace(block)
		if block == "" {
			continue
		}
		out.Content = append(out.Content, ChunkContent{
			Text:     block,
			Position: len(out.Content) + 1,
			Type:     blockType(block),
		})
	}
	return out, nil
}

// blockType labels short single-line blocks as headings.
func blockType(block string) string {
	if !strings.Contains(block, "\n") && len(block) <= 80 && !strings.HasSuffix(block, ".") {
		return "heading"
	}
	return "paragraph"
}
