package offsite

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/aliyun/alibabacloud-oss-go-sdk-v2/oss"
	"github.com/aliyun/alibabacloud-oss-go-sdk-v2/oss/credentials"

	"github.com/cuemby/press/pkg/config"
	"github.com/cuemby/press/pkg/log"
)

// OSSStore keeps backups in Alibaba Cloud OSS
type OSSStore struct {
	client *oss.Client
}

// NewOSSStore creates a store from the offsite config section
func NewOSSStore(cfg config.OffsiteConfig) (*OSSStore, error) {
	if cfg.AccessKeyID == "" || cfg.AccessKeySecret == "" || cfg.Bucket == "" {
		return nil, fmt.Errorf("offsite storage config is incomplete")
	}

	provider := credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.AccessKeySecret, "")
	ossCfg := oss.LoadDefaultConfig().
		WithCredentialsProvider(provider).
		WithRegion(cfg.Region)
	if cfg.Endpoint != "" {
		ossCfg = ossCfg.WithEndpoint(cfg.Endpoint)
	}

	return &OSSStore{client: oss.NewClient(ossCfg)}, nil
}

func objectKey(key string) string {
	return strings.TrimPrefix(key, "/")
}

func notFound(err error) bool {
	var serr *oss.ServiceError
	return errors.As(err, &serr) && serr.StatusCode == http.StatusNotFound
}

// Head returns the object's metadata
func (s *OSSStore) Head(ctx context.Context, bucket, key string) (*ObjectInfo, error) {
	result, err := s.client.HeadObject(ctx, &oss.HeadObjectRequest{
		Bucket: oss.Ptr(bucket),
		Key:    oss.Ptr(objectKey(key)),
	})
	if err != nil {
		if notFound(err) {
			return nil, fmt.Errorf("%s/%s: %w", bucket, key, ErrObjectNotFound)
		}
		return nil, fmt.Errorf("failed to head %s/%s: %w", bucket, key, err)
	}

	info := &ObjectInfo{Key: key, Size: result.ContentLength}
	if result.ETag != nil {
		info.ETag = strings.Trim(*result.ETag, `"`)
	}
	if result.LastModified != nil {
		info.LastModified = *result.LastModified
	}
	return info, nil
}

// Get streams the object's content
func (s *OSSStore) Get(ctx context.Context, bucket, key string) (io.ReadCloser, error) {
	result, err := s.client.GetObject(ctx, &oss.GetObjectRequest{
		Bucket: oss.Ptr(bucket),
		Key:    oss.Ptr(objectKey(key)),
	})
	if err != nil {
		if notFound(err) {
			return nil, fmt.Errorf("%s/%s: %w", bucket, key, ErrObjectNotFound)
		}
		return nil, fmt.Errorf("failed to get %s/%s: %w", bucket, key, err)
	}
	return result.Body, nil
}

// Put uploads body under key
func (s *OSSStore) Put(ctx context.Context, bucket, key string, body io.Reader, contentType string) error {
	request := &oss.PutObjectRequest{
		Bucket: oss.Ptr(bucket),
		Key:    oss.Ptr(objectKey(key)),
		Body:   body,
	}
	if contentType != "" {
		request.ContentType = oss.Ptr(contentType)
	}

	if _, err := s.client.PutObject(ctx, request); err != nil {
		return fmt.Errorf("failed to put %s/%s: %w", bucket, key, err)
	}
	return nil
}

// DeleteMany removes keys in batches; missing keys are not an error
func (s *OSSStore) DeleteMany(ctx context.Context, bucket string, keys []string) error {
	for _, batch := range batches(keys, deleteBatchSize) {
		objects := make([]oss.DeleteObject, 0, len(batch))
		for _, key := range batch {
			objects = append(objects, oss.DeleteObject{Key: oss.Ptr(objectKey(key))})
		}

		_, err := s.client.DeleteMultipleObjects(ctx, &oss.DeleteMultipleObjectsRequest{
			Bucket:  oss.Ptr(bucket),
			Objects: objects,
			Quiet:   true,
		})
		if err != nil {
			return fmt.Errorf("failed to delete %d objects from %s: %w", len(batch), bucket, err)
		}
		log.Logger.Debug().
			Str("component", "offsite").
			Str("bucket", bucket).
			Int("count", len(batch)).
			Msg("Deleted objects")
	}
	return nil
}

// MultipartUploadURLs starts an upload and presigns one PUT per part
func (s *OSSStore) MultipartUploadURLs(ctx context.Context, bucket, key string, parts int, expiry time.Duration) (*MultipartUpload, error) {
	if parts < 1 {
		return nil, fmt.Errorf("multipart upload needs at least one part")
	}

	initiated, err := s.client.InitiateMultipartUpload(ctx, &oss.InitiateMultipartUploadRequest{
		Bucket: oss.Ptr(bucket),
		Key:    oss.Ptr(objectKey(key)),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to start upload of %s/%s: %w", bucket, key, err)
	}

	upload := &MultipartUpload{Key: key, UploadID: oss.ToString(initiated.UploadId)}
	for n := 1; n <= parts; n++ {
		result, err := s.client.Presign(ctx, &oss.UploadPartRequest{
			Bucket:     oss.Ptr(bucket),
			Key:        oss.Ptr(objectKey(key)),
			UploadId:   initiated.UploadId,
			PartNumber: int32(n),
		}, oss.PresignExpires(expiry))
		if err != nil {
			_ = s.AbortMultipart(ctx, bucket, key, upload.UploadID)
			return nil, fmt.Errorf("failed to presign part %d of %s/%s: %w", n, bucket, key, err)
		}
		upload.URLs = append(upload.URLs, result.URL)
	}
	return upload, nil
}

// CompleteMultipart assembles the uploaded parts
func (s *OSSStore) CompleteMultipart(ctx context.Context, bucket, key, uploadID string, parts []Part) error {
	uploaded := make([]oss.UploadPart, 0, len(parts))
	for _, p := range parts {
		uploaded = append(uploaded, oss.UploadPart{PartNumber: p.Number, ETag: oss.Ptr(p.ETag)})
	}

	_, err := s.client.CompleteMultipartUpload(ctx, &oss.CompleteMultipartUploadRequest{
		Bucket:                  oss.Ptr(bucket),
		Key:                     oss.Ptr(objectKey(key)),
		UploadId:                oss.Ptr(uploadID),
		CompleteMultipartUpload: &oss.CompleteMultipartUpload{Parts: uploaded},
	})
	if err != nil {
		return fmt.Errorf("failed to complete upload of %s/%s: %w", bucket, key, err)
	}
	return nil
}

// AbortMultipart discards an unfinished upload
func (s *OSSStore) AbortMultipart(ctx context.Context, bucket, key, uploadID string) error {
	_, err := s.client.AbortMultipartUpload(ctx, &oss.AbortMultipartUploadRequest{
		Bucket:   oss.Ptr(bucket),
		Key:      oss.Ptr(objectKey(key)),
		UploadId: oss.Ptr(uploadID),
	})
	if err != nil {
		return fmt.Errorf("failed to abort upload of %s/%s: %w", bucket, key, err)
	}
	return nil
}

// PresignedGetURL returns a download URL valid for expiry
func (s *OSSStore) PresignedGetURL(ctx context.Context, bucket, key string, expiry time.Duration) (string, error) {
	result, err := s.client.Presign(ctx, &oss.GetObjectRequest{
		Bucket: oss.Ptr(bucket),
		Key:    oss.Ptr(objectKey(key)),
	}, oss.PresignExpires(expiry))
	if err != nil {
		return "", fmt.Errorf("failed to presign %s/%s: %w", bucket, key, err)
	}
	return result.URL, nil
}
