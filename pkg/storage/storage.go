// Package storage keeps uploaded document blobs in an object store.
package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/feichai0017/compliance-processor/pkg/logger"
	"github.com/feichai0017/compliance-processor/pkg/storage/minio"
	"github.com/feichai0017/compliance-processor/pkg/storage/s3"
)

var ErrNotFound = errors.New("object not found")

// StorageType 定义存储类型
type StorageType string

const (
	StorageTypeS3     StorageType = "s3"
	StorageTypeMinio  StorageType = "minio"
	StorageTypeMemory StorageType = "memory"
)

// Storage 接口定义
type Storage interface {
	// Store writes size bytes from reader under key.
	Store(ctx context.Context, reader io.Reader, key string, size int64, contentType string) (string, error)
	Get(ctx context.Context, key string) (io.ReadCloser, error)
	Delete(ctx context.Context, key string) error
	// CleanupBefore removes objects last modified before threshold, except
	// those keep reports as still needed. A nil keep spares nothing.
	CleanupBefore(ctx context.Context, threshold time.Time, keep func(ctx context.Context, key string) bool) error
}

type Config struct {
	Type  StorageType  `yaml:"type"`
	S3    s3.Config    `yaml:"s3"`
	Minio minio.Config `yaml:"minio"`
}

// NewStorage 创建存储实例的工厂方法
func NewStorage(ctx context.Context, cfg Config, log logger.Logger) (Storage, error) {
	switch cfg.Type {
	case StorageTypeS3:
		return s3.NewS3Storage(ctx, cfg.S3, log)
	case StorageTypeMinio:
		return minio.NewMinioStorage(ctx, cfg.Minio, log)
	case StorageTypeMemory, "":
		return NewMemoryStorage(), nil
	default:
		return nil, fmt.Errorf("unsupported storage type: %s", cfg.Type)
	}
}

// ReadAll fetches a whole object.
func ReadAll(ctx context.Context, s Storage, key string) ([]byte, error) {
	rc, err := s.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	data, err := io.ReadAll(rc)
	if err != nil {
		return nil, fmt.Errorf("failed to read object %s: %w", key, err)
	}
	return data, nil
}
