// Package stores holds the object stores the audit archiver writes to.
package stores

import (
	"context"
	"errors"
	"io"
	"strings"
)

const (
	KindLocal = "local"
	KindQiNiu = "qiniu"
	KindCos   = "cos"   // tencent
	KindMinio = "minio" // minio/s3 compatible
)

var (
	ErrInvalidPath = errors.New("stores: invalid path")
	ErrNotFound    = errors.New("stores: object not found")
)

// Store Common Storage Modules
type Store interface {
	Read(ctx context.Context, key string) (io.ReadCloser, int64, error)
	Write(ctx context.Context, key string, r io.Reader) error
	Delete(ctx context.Context, key string) error
	Exists(ctx context.Context, key string) (bool, error)
}

// Config 归档存储配置
type Config struct {
	Kind  string `env:"ARCHIVE_STORE"`
	Root  string `env:"ARCHIVE_DIR"`
	QiNiu QiNiuConfig
	Cos   CosConfig
	Minio MinioConfig
}

func New(cfg Config) (Store, error) {
	switch cfg.Kind {
	case "", KindLocal:
		return NewLocalStore(cfg.Root), nil
	case KindQiNiu:
		return NewQiNiuStore(cfg.QiNiu)
	case KindCos:
		return NewCosStore(cfg.Cos)
	case KindMinio:
		return NewMinioStore(cfg.Minio)
	default:
		return nil, errors.New("stores: unsupported kind " + cfg.Kind)
	}
}

func contentType(key string) string {
	if strings.HasSuffix(key, ".jsonl") {
		return "application/x-ndjson"
	}
	return "text/plain; charset=utf-8"
}
