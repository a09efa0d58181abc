package memory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/feichai0017/compliance-processor/internal/apperr"
	"github.com/feichai0017/compliance-processor/internal/models"
)

type DocumentStore struct {
	mu   sync.RWMutex
	docs map[string]*models.Document
}

func NewDocumentStore() *DocumentStore {
	return &DocumentStore{docs: make(map[string]*models.Document)}
}

func (s *DocumentStore) Create(_ context.Context, doc *models.Document) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.docs[doc.ID]; exists {
		return fmt.Errorf("document %s already exists", doc.ID)
	}
	s.docs[doc.ID] = doc.Clone()
	return nil
}

func (s *DocumentStore) Get(_ context.Context, id string) (*models.Document, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	d, ok := s.docs[id]
	if !ok {
		return nil, apperr.NotFound("document", id)
	}
	return d.Clone(), nil
}

func (s *DocumentStore) Claim(_ context.Context, id string) (*models.Document, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	d, ok := s.docs[id]
	if !ok {
		return nil, apperr.NotFound("document", id)
	}
	if d.ProcessingStatus != models.StatusPending {
		return nil, apperr.ErrAlreadyClaimed
	}
	d.ProcessingStatus = models.StatusProcessing
	d.UpdatedAt = time.Now().UTC()
	return d.Clone(), nil
}

func (s *DocumentStore) Finish(_ context.Context, doc *models.Document) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	d, ok := s.docs[doc.ID]
	if !ok {
		return apperr.NotFound("document", doc.ID)
	}
	if d.ProcessingStatus != models.StatusProcessing || !doc.ProcessingStatus.Terminal() {
		return apperr.ErrInvalidTransition
	}
	s.docs[doc.ID] = doc.Clone()
	return nil
}

func (s *DocumentStore) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.docs[id]; !ok {
		return apperr.NotFound("document", id)
	}
	delete(s.docs, id)
	return nil
}

func (s *DocumentStore) CountByContentHash(_ context.Context, contentHash string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	n := 0
	for _, d := range s.docs {
		if d.ContentHash == contentHash {
			n++
		}
	}
	return n, nil
}

func (s *DocumentStore) HasUnfinishedWithStorageKey(_ context.Context, key string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, d := range s.docs {
		if d.StorageKey == key && !d.ProcessingStatus.Terminal() {
			return true, nil
		}
	}
	return false, nil
}
