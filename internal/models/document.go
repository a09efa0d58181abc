package models

import (
	"time"
)

type SourceClassification string

const (
	SourceGovernment SourceClassification = "government"
	SourcePublic     SourceClassification = "public"
	SourcePrivate    SourceClassification = "private"
)

func (c SourceClassification) Valid() bool {
	switch c {
	case SourceGovernment, SourcePublic, SourcePrivate:
		return true
	}
	return false
}

type ProcessingStatus string

const (
	StatusPending    ProcessingStatus = "PENDING"
	StatusProcessing ProcessingStatus = "PROCESSING"
	StatusProcessed  ProcessingStatus = "PROCESSED"
	StatusFailed     ProcessingStatus = "FAILED"
)

func (s ProcessingStatus) Terminal() bool {
	return s == StatusProcessed || s == StatusFailed
}

// Document is an uploaded file and its extraction outcome.
// PROCESSED implies ExtractedText and ConfidenceScore are set.
type Document struct {
	ID                   string               `json:"id"`
	OriginalName         string               `json:"originalName"`
	MediaType            string               `json:"mediaType"`
	SizeBytes            int64                `json:"sizeBytes"`
	StorageKey           string               `json:"storageKey"`
	OwnerID              string               `json:"ownerId"`
	SourceClassification SourceClassification `json:"sourceClassification"`
	ProcessingStatus     ProcessingStatus     `json:"processingStatus"`
	ExtractedText        *string              `json:"extractedText,omitempty"`
	ConfidenceScore      *float64             `json:"confidenceScore,omitempty"`
	PageCount            int                  `json:"pageCount"`
	ContentHash          string               `json:"contentHash"`
	Error                *string              `json:"error,omitempty"`
	CreatedAt            time.Time            `json:"createdAt"`
	UpdatedAt            time.Time            `json:"updatedAt"`
	ProcessedAt          *time.Time           `json:"processedAt,omitempty"`
}

func (d *Document) Clone() *Document {
	if d == nil {
		return nil
	}
	c := *d
	c.ExtractedText = cloneString(d.ExtractedText)
	c.Error = cloneString(d.Error)
	if d.ConfidenceScore != nil {
		v := *d.ConfidenceScore
		c.ConfidenceScore = &v
	}
	if d.ProcessedAt != nil {
		t := *d.ProcessedAt
		c.ProcessedAt = &t
	}
	return &c
}

// DocumentStatus is the polled view of a document.
type DocumentStatus struct {
	ID               string           `json:"id"`
	ProcessingStatus ProcessingStatus `json:"processingStatus"`
	ConfidenceScore  *float64         `json:"confidenceScore,omitempty"`
	PageCount        int              `json:"pageCount"`
	Error            *string          `json:"error,omitempty"`
	UpdatedAt        time.Time        `json:"updatedAt"`
}

func (d *Document) Status() *DocumentStatus {
	return &DocumentStatus{
		ID:               d.ID,
		ProcessingStatus: d.ProcessingStatus,
		ConfidenceScore:  d.ConfidenceScore,
		PageCount:        d.PageCount,
		Error:            d.Error,
		UpdatedAt:        d.UpdatedAt,
	}
}

// ExtractionResult is what a successful OCR pass produces.
type ExtractionResult struct {
	Text       string  `json:"text"`
	Confidence float64 `json:"confidence"`
	PageCount  int     `json:"pageCount"`
}

// CacheEntry is the payload stored under doc:* and hash:* keys. Failures are
// cached too, with a shorter ttl.
type CacheEntry struct {
	Status      ProcessingStatus  `json:"status"`
	Result      *ExtractionResult `json:"result,omitempty"`
	Error       string            `json:"error,omitempty"`
	ProcessedAt time.Time         `json:"processedAt"`
}
