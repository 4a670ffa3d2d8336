package object

import (
	"context"
	"fmt"
	"io"
	"path"

	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

const inputsPrefix = "inputs"

// Storage provides an S3-compatible storage backend using MinIO.
// It keeps the raw input payload of every job until its batch is removed.
type Storage struct {
	client     *minio.Client
	bucketName string
}

// NewStorage creates a new Storage instance connected to the specified MinIO server.
// If the bucket does not exist, it will be created automatically.
func NewStorage(ctx context.Context, endpoint, accessKey, secretKey, bucketName string, useSSL bool) (*Storage, error) {
	client, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(accessKey, secretKey, ""),
		Secure: useSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize minio client: %w", err)
	}

	exists, err := client.BucketExists(ctx, bucketName)
	if err != nil {
		return nil, fmt.Errorf("failed to check if bucket exists: %w", err)
	}

	if !exists {
		if err := client.MakeBucket(ctx, bucketName, minio.MakeBucketOptions{}); err != nil {
			return nil, fmt.Errorf("failed to create bucket: %w", err)
		}
	}

	return &Storage{
		client:     client,
		bucketName: bucketName,
	}, nil
}

// InputKey is the object key of a job's input payload.
func InputKey(baseName string, jobID uuid.UUID, filename string) string {
	return path.Join(inputsPrefix, baseName, jobID.String(), path.Base(filename))
}

// BatchPrefix is the key prefix shared by every input of a batch.
func BatchPrefix(baseName string) string {
	return path.Join(inputsPrefix, baseName) + "/"
}

// JobPrefix is the key prefix of one job's input.
func JobPrefix(baseName string, jobID uuid.UUID) string {
	return path.Join(inputsPrefix, baseName, jobID.String()) + "/"
}

// Save uploads src under key.
func (s *Storage) Save(ctx context.Context, key string, src io.Reader, size int64) error {
	_, err := s.client.PutObject(ctx, s.bucketName, key, src, size, minio.PutObjectOptions{
		ContentType: "application/octet-stream",
	})
	if err != nil {
		return fmt.Errorf("failed to save object %s: %w", key, err)
	}

	return nil
}

// Load retrieves the object stored under key.
func (s *Storage) Load(ctx context.Context, key string) (io.ReadCloser, error) {
	obj, err := s.client.GetObject(ctx, s.bucketName, key, minio.GetObjectOptions{})
	if err != nil {
		return nil, fmt.Errorf("failed to load object %s: %w", key, err)
	}

	return obj, nil
}

// DeletePrefix removes every object under prefix and collects the
// individual failures.
func (s *Storage) DeletePrefix(ctx context.Context, prefix string) error {
	objects := make(chan minio.ObjectInfo)
	listErr := make(chan error, 1)

	go func() {
		defer close(objects)
		for obj := range s.client.ListObjects(ctx, s.bucketName, minio.ListObjectsOptions{Prefix: prefix, Recursive: true}) {
			if obj.Err != nil {
				listErr <- obj.Err
				return
			}
			select {
			case objects <- obj:
			case <-ctx.Done():
				return
			}
		}
	}()

	var result error
	for rErr := range s.client.RemoveObjects(ctx, s.bucketName, objects, minio.RemoveObjectsOptions{}) {
		result = multierror.Append(result, fmt.Errorf("failed to remove %s: %w", rErr.ObjectName, rErr.Err))
	}

	select {
	case err := <-listErr:
		result = multierror.Append(result, fmt.Errorf("failed to list %s: %w", prefix, err))
	default:
	}

	return result
}
