// Package blob stores entry attachments in an S3-compatible object store.
// Clients upload and download through presigned URLs; only metadata passes
// through this process.
package blob

import (
	"context"
	"fmt"
	"net/url"
	"time"

	"github.com/google/uuid"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

type Service struct {
	client     *minio.Client
	bucket     string
	presignTTL time.Duration
}

func New(endpoint, accessKey, secretKey, bucket string, useSSL bool, presignTTL time.Duration) (*Service, error) {
	client, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(accessKey, secretKey, ""),
		Secure: useSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("init object store client: %w", err)
	}
	if presignTTL <= 0 {
		presignTTL = 15 * time.Minute
	}
	return &Service{client: client, bucket: bucket, presignTTL: presignTTL}, nil
}

func (s *Service) EnsureBucket(ctx context.Context) error {
	exists, err := s.client.BucketExists(ctx, s.bucket)
	if err != nil {
		return fmt.Errorf("check bucket: %w", err)
	}
	if exists {
		return nil
	}
	if err := s.client.MakeBucket(ctx, s.bucket, minio.MakeBucketOptions{}); err != nil {
		return fmt.Errorf("create bucket: %w", err)
	}
	return nil
}

// ObjectKey builds a per-owner, month-partitioned object name.
func ObjectKey(ownerID string, now time.Time) string {
	return fmt.Sprintf("entries/%s/%04d/%02d/%s", ownerID, now.Year(), int(now.Month()), uuid.NewString())
}

func (s *Service) PresignPut(ctx context.Context, objectKey string) (string, error) {
	u, err := s.client.PresignedPutObject(ctx, s.bucket, objectKey, s.presignTTL)
	if err != nil {
		return "", fmt.Errorf("presign put: %w", err)
	}
	return u.String(), nil
}

func (s *Service) PresignGet(ctx context.Context, objectKey, fileName string) (string, error) {
	params := make(url.Values)
	if fileName != "" {
		params.Set("response-content-disposition", fmt.Sprintf("attachment; filename=%q", fileName))
	}
	u, err := s.client.PresignedGetObject(ctx, s.bucket, objectKey, s.presignTTL, params)
	if err != nil {
		return "", fmt.Errorf("presign get: %w", err)
	}
	return u.String(), nil
}

func (s *Service) Remove(ctx context.Context, objectKey string) error {
	if err := s.client.RemoveObject(ctx, s.bucket, objectKey, minio.RemoveObjectOptions{}); err != nil {
		return fmt.Errorf("remove object: %w", err)
	}
	return nil
}
