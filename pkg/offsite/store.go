package offsite

import (
	"context"
	"errors"
	"io"
	"time"
)

// ErrObjectNotFound is returned by Head and Get for missing keys
var ErrObjectNotFound = errors.New("object not found")

// ObjectInfo describes a stored object
type ObjectInfo struct {
	Key          string
	Size         int64
	ETag         string
	LastModified time.Time
}

// Part is one uploaded part of a multipart upload
type Part struct {
	Number int32
	ETag   string
}

// MultipartUpload is a started upload with one presigned URL per part
type MultipartUpload struct {
	Key      string
	UploadID string
	URLs     []string
}

// Store is credentialed blob storage for offsite backups
type Store interface {
	Head(ctx context.Context, bucket, key string) (*ObjectInfo, error)
	Get(ctx context.Context, bucket, key string) (io.ReadCloser, error)
	Put(ctx context.Context, bucket, key string, body io.Reader, contentType string) error
	DeleteMany(ctx context.Context, bucket string, keys []string) error
	MultipartUploadURLs(ctx context.Context, bucket, key string, parts int, expiry time.Duration) (*MultipartUpload, error)
	CompleteMultipart(ctx context.Context, bucket, key, uploadID string, parts []Part) error
	AbortMultipart(ctx context.Context, bucket, key, uploadID string) error
	PresignedGetURL(ctx context.Context, bucket, key string, expiry time.Duration) (string, error)
}

// deleteBatchSize is the most keys one delete request may carry
const deleteBatchSize = 1000

func batches(keys []string, size int) [][]string {
	var out [][]string
	for len(keys) > size {
		out = append(out, keys[:size])
		keys = keys[size:]
	}
	if len(keys) > 0 {
		out = append(out, keys)
	}
	return out
}
