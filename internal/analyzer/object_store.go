package analyzer

import (
	"bytes"
	"context"
	"errors"
	"io"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/example/dispensary/internal/apperror"
)

// Object is a fetched artifact. The caller closes Body.
type Object struct {
	Bucket       string
	Key          string
	Size         int64
	ContentType  string
	LastModified time.Time
	Body         io.ReadCloser
}

// ObjectStore fetches uploaded prescription artifacts. A missing object is
// an apperror.ErrNotFound error.
type ObjectStore interface {
	Get(ctx context.Context, bucket, key string) (Object, error)
}

// S3API is the part of the S3 client the object store uses.
type S3API interface {
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
}

type S3ObjectStore struct {
	client S3API
}

func NewS3ObjectStore(client S3API) *S3ObjectStore {
	return &S3ObjectStore{client: client}
}

func (s *S3ObjectStore) Get(ctx context.Context, bucket, key string) (Object, error) {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{Bucket: aws.String(bucket), Key: aws.String(key)})
	if err != nil {
		var noKey *types.NoSuchKey
		var noBucket *types.NoSuchBucket
		if errors.As(err, &noKey) || errors.As(err, &noBucket) {
			return Object{}, apperror.NotFound("object s3://%s/%s", bucket, key)
		}
		return Object{}, apperror.Transient(err, "get object s3://%s/%s", bucket, key)
	}
	return Object{
		Bucket:       bucket,
		Key:          key,
		Size:         aws.ToInt64(out.ContentLength),
		ContentType:  aws.ToString(out.ContentType),
		LastModified: aws.ToTime(out.LastModified),
		Body:         out.Body,
	}, nil
}

// MemoryObjectStore holds objects in memory, keyed by bucket and key.
type MemoryObjectStore struct {
	mu      sync.RWMutex
	objects map[string][]byte
	types   map[string]string

	// GetErr, when set, is returned by every Get.
	GetErr error
}

func NewMemoryObjectStore() *MemoryObjectStore {
	return &MemoryObjectStore{objects: make(map[string][]byte), types: make(map[string]string)}
}

func (s *MemoryObjectStore) Put(bucket, key, contentType string, data []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.objects[bucket+"/"+key] = append([]byte(nil), data...)
	s.types[bucket+"/"+key] = contentType
}

func (s *MemoryObjectStore) Get(ctx context.Context, bucket, key string) (Object, error) {
	if err := ctx.Err(); err != nil {
		return Object{}, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.GetErr != nil {
		return Object{}, s.GetErr
	}
	data, ok := s.objects[bucket+"/"+key]
	if !ok {
		return Object{}, apperror.NotFound("object %s/%s", bucket, key)
	}
	return Object{
		Bucket:      bucket,
		Key:         key,
		Size:        int64(len(data)),
		ContentType: s.types[bucket+"/"+key],
		Body:        io.NopCloser(bytes.NewReader(data)),
	}, nil
}
