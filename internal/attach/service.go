// Package attach talks to the external object store that owns attachment
// bytes. The activity store only ever records the references produced here;
// it never reads or validates file content.
package attach

import (
	"context"
	"fmt"
	"net/url"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

const presignExpiry = 15 * time.Minute

type Service struct {
	client *minio.Client
	bucket string
	useSSL bool
}

func New(endpoint, accessKey, secretKey, bucket string, useSSL bool) (*Service, error) {
	client, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(accessKey, secretKey, ""),
		Secure: useSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("create object store client: %w", err)
	}
	return &Service{client: client, bucket: bucket, useSSL: useSSL}, nil
}

// EnsureBucket creates the attachment bucket if it does not exist yet.
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

// PresignUpload returns a short-lived URL the client PUTs the bytes to. The
// object key doubles as the external reference the registry records.
func (s *Service) PresignUpload(ctx context.Context, objectKey string) (string, error) {
	uploadURL, err := s.client.PresignedPutObject(ctx, s.bucket, objectKey, presignExpiry)
	if err != nil {
		return "", fmt.Errorf("presign upload: %w", err)
	}
	return uploadURL.String(), nil
}

// PresignDownload returns a short-lived GET URL for a stored object.
func (s *Service) PresignDownload(ctx context.Context, objectKey, fileName string) (string, error) {
	params := url.Values{}
	if fileName != "" {
		params.Set("response-content-disposition", fmt.Sprintf("attachment; filename=%q", fileName))
	}
	downloadURL, err := s.client.PresignedGetObject(ctx, s.bucket, objectKey, presignExpiry, params)
	if err != nil {
		return "", fmt.Errorf("presign download: %w", err)
	}
	return downloadURL.String(), nil
}

// ObjectURL is the stable (unsigned) reference recorded for an object.
func (s *Service) ObjectURL(objectKey string) string {
	scheme := "http"
	if s.useSSL {
		scheme = "https"
	}
	return fmt.Sprintf("%s://%s/%s/%s", scheme, s.client.EndpointURL().Host, s.bucket, objectKey)
}
