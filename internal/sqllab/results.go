package sqllab

import (
	"bytes"
	"compress/gzip"
	"context"
	"io"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/caravel-bi/caravel/internal/domain"
)

// ResultsBackend stores serialized async query results under the query's
// results key. Payloads are gzip-compressed at this layer.
type ResultsBackend interface {
	Store(ctx context.Context, key string, payload []byte) error
	Fetch(ctx context.Context, key string) ([]byte, error)
}

func gzipCompress(payload []byte) ([]byte, error) {
	var buf bytes.Buffer
	w := gzip.NewWriter(&buf)
	if _, err := w.Write(payload); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func gzipDecompress(payload []byte) ([]byte, error) {
	r, err := gzip.NewReader(bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	defer r.Close()
	return io.ReadAll(r)
}

// MemoryResultsBackend keeps compressed payloads in process memory.
type MemoryResultsBackend struct {
	mu      sync.RWMutex
	entries map[string][]byte
}

func NewMemoryResultsBackend() *MemoryResultsBackend {
	return &MemoryResultsBackend{entries: map[string][]byte{}}
}

func (b *MemoryResultsBackend) Store(_ context.Context, key string, payload []byte) error {
	compressed, err := gzipCompress(payload)
	if err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.entries[key] = compressed
	return nil
}

func (b *MemoryResultsBackend) Fetch(_ context.Context, key string) ([]byte, error) {
	b.mu.RLock()
	compressed, ok := b.entries[key]
	b.mu.RUnlock()
	if !ok {
		return nil, domain.ErrNotFound("no results for key %q", key)
	}
	return gzipDecompress(compressed)
}

// S3ResultsBackend stores compressed payloads in an S3 bucket.
type S3ResultsBackend struct {
	client *s3.Client
	bucket string
	prefix string
}

func NewS3ResultsBackend(client *s3.Client, bucket, prefix string) *S3ResultsBackend {
	return &S3ResultsBackend{client: client, bucket: bucket, prefix: prefix}
}

func (b *S3ResultsBackend) key(key string) *string {
	return aws.String(b.prefix + key + ".gz")
}

func (b *S3ResultsBackend) Store(ctx context.Context, key string, payload []byte) error {
	compressed, err := gzipCompress(payload)
	if err != nil {
		return err
	}
	_, err = b.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    b.key(key),
		Body:   bytes.NewReader(compressed),
	})
	return err
}

func (b *S3ResultsBackend) Fetch(ctx context.Context, key string) ([]byte, error) {
	out, err := b.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    b.key(key),
	})
	if err != nil {
		return nil, domain.ErrNotFound("no results for key %q", key)
	}
	defer out.Body.Close()
	compressed, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, err
	}
	return gzipDecompress(compressed)
}
