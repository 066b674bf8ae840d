package offsite

import (
	"bytes"
	"context"
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

type memoryObject struct {
	data        []byte
	contentType string
	modified    time.Time
}

// MemoryStore is an in-process Store for tests and local runs
type MemoryStore struct {
	mu      sync.Mutex
	objects map[string]map[string]memoryObject
	uploads map[string]map[int32][]byte
}

// NewMemoryStore creates an empty store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		objects: make(map[string]map[string]memoryObject),
		uploads: make(map[string]map[int32][]byte),
	}
}

func etag(data []byte) string {
	sum := md5.Sum(data)
	return hex.EncodeToString(sum[:])
}

// Head returns the object's metadata
func (m *MemoryStore) Head(ctx context.Context, bucket, key string) (*ObjectInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	obj, ok := m.objects[bucket][objectKey(key)]
	if !ok {
		return nil, fmt.Errorf("%s/%s: %w", bucket, key, ErrObjectNotFound)
	}
	return &ObjectInfo{Key: key, Size: int64(len(obj.data)), ETag: etag(obj.data), LastModified: obj.modified}, nil
}

// Get returns the object's content
func (m *MemoryStore) Get(ctx context.Context, bucket, key string) (io.ReadCloser, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	obj, ok := m.objects[bucket][objectKey(key)]
	if !ok {
		return nil, fmt.Errorf("%s/%s: %w", bucket, key, ErrObjectNotFound)
	}
	return io.NopCloser(bytes.NewReader(obj.data)), nil
}

// Put stores body under key
func (m *MemoryStore) Put(ctx context.Context, bucket, key string, body io.Reader, contentType string) error {
	data, err := io.ReadAll(body)
	if err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.objects[bucket] == nil {
		m.objects[bucket] = make(map[string]memoryObject)
	}
	m.objects[bucket][objectKey(key)] = memoryObject{data: data, contentType: contentType, modified: time.Now().UTC()}
	return nil
}

// DeleteMany removes keys; missing keys are ignored
func (m *MemoryStore) DeleteMany(ctx context.Context, bucket string, keys []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, key := range keys {
		delete(m.objects[bucket], objectKey(key))
	}
	return nil
}

// MultipartUploadURLs starts an upload; the URLs are informational
func (m *MemoryStore) MultipartUploadURLs(ctx context.Context, bucket, key string, parts int, expiry time.Duration) (*MultipartUpload, error) {
	if parts < 1 {
		return nil, fmt.Errorf("multipart upload needs at least one part")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	upload := &MultipartUpload{Key: key, UploadID: uuid.NewString()}
	m.uploads[upload.UploadID] = make(map[int32][]byte)
	for n := 1; n <= parts; n++ {
		upload.URLs = append(upload.URLs, fmt.Sprintf("memory://%s/%s?uploadId=%s&partNumber=%d", bucket, objectKey(key), upload.UploadID, n))
	}
	return upload, nil
}

// UploadPart stores one part, standing in for a PUT to a presigned URL
func (m *MemoryStore) UploadPart(uploadID string, number int32, data []byte) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	parts, ok := m.uploads[uploadID]
	if !ok {
		return "", fmt.Errorf("upload %s not found", uploadID)
	}
	parts[number] = append([]byte(nil), data...)
	return etag(data), nil
}

// CompleteMultipart concatenates the listed parts in order
func (m *MemoryStore) CompleteMultipart(ctx context.Context, bucket, key, uploadID string, parts []Part) error {
	m.mu.Lock()
	uploaded, ok := m.uploads[uploadID]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("upload %s not found", uploadID)
	}

	sorted := append([]Part(nil), parts...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Number < sorted[j].Number })

	var buf bytes.Buffer
	for _, p := range sorted {
		data, ok := uploaded[p.Number]
		if !ok || etag(data) != p.ETag {
			m.mu.Unlock()
			return fmt.Errorf("part %d of upload %s is missing or does not match", p.Number, uploadID)
		}
		buf.Write(data)
	}
	delete(m.uploads, uploadID)
	m.mu.Unlock()

	return m.Put(ctx, bucket, key, &buf, "")
}

// AbortMultipart drops an unfinished upload
func (m *MemoryStore) AbortMultipart(ctx context.Context, bucket, key, uploadID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.uploads, uploadID)
	return nil
}

// PresignedGetURL returns a fake URL for an existing object
func (m *MemoryStore) PresignedGetURL(ctx context.Context, bucket, key string, expiry time.Duration) (string, error) {
	if _, err := m.Head(ctx, bucket, key); err != nil {
		return "", err
	}
	return fmt.Sprintf("memory://%s/%s?expires=%d", bucket, objectKey(key), int64(expiry.Seconds())), nil
}

// Keys lists the keys in bucket with the given prefix
func (m *MemoryStore) Keys(bucket, prefix string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	var keys []string
	for key := range m.objects[bucket] {
		if strings.HasPrefix(key, prefix) {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)
	return keys
}
