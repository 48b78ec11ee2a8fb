package storage

import (
	"bytes"
	"context"
	"fmt"
	"mime"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/rs/zerolog/log"
)

// MinIOConfig holds the object storage settings for report photos
type MinIOConfig struct {
	Endpoint       string
	PublicEndpoint string
	AccessKey      string
	SecretKey      string
	Bucket         string
	UseSSL         bool
}

// MinIOStorage keeps report photos in a public-read bucket
type MinIOStorage struct {
	client         *minio.Client
	bucketName     string
	publicEndpoint string
	now            func() time.Time
}

// NewMinIOStorage creates the client and makes sure the bucket exists and is publicly readable
func NewMinIOStorage(ctx context.Context, cfg MinIOConfig) (*MinIOStorage, error) {
	minioClient, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create MinIO client: %w", err)
	}

	storage := &MinIOStorage{
		client:         minioClient,
		bucketName:     cfg.Bucket,
		publicEndpoint: cleanPublicEndpoint(cfg.PublicEndpoint, cfg.Endpoint, cfg.UseSSL),
		now:            time.Now,
	}

	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	exists, err := minioClient.BucketExists(ctx, cfg.Bucket)
	if err != nil {
		log.Warn().Err(err).Msgf("Failed to check bucket existence for %s (will continue)", cfg.Bucket)
	} else if !exists {
		if err := minioClient.MakeBucket(ctx, cfg.Bucket, minio.MakeBucketOptions{}); err != nil {
			return nil, fmt.Errorf("failed to create bucket %s: %w", cfg.Bucket, err)
		}
		log.Info().Msgf("Bucket %s created successfully", cfg.Bucket)

		policy := fmt.Sprintf(`{"Version": "2012-10-17","Statement": [{"Action": ["s3:GetObject"],"Effect": "Allow","Principal": {"AWS": ["*"]},"Resource": ["arn:aws:s3:::%s/*"],"Sid": ""}]}`, cfg.Bucket)
		if err := minioClient.SetBucketPolicy(ctx, cfg.Bucket, policy); err != nil {
			log.Error().Err(err).Msg("Failed to set bucket policy")
		}
	}

	log.Info().
		Str("endpoint", cfg.Endpoint).
		Str("public_endpoint", storage.publicEndpoint).
		Str("bucket", cfg.Bucket).
		Msg("MinIO storage initialized")

	return storage, nil
}

// UploadImage stores the photo bytes and returns their public URL
func (s *MinIOStorage) UploadImage(ctx context.Context, data []byte, contentType string) (string, error) {
	key := s.objectKey(contentType)

	_, err := s.client.PutObject(
		ctx,
		s.bucketName,
		key,
		bytes.NewReader(data),
		int64(len(data)),
		minio.PutObjectOptions{ContentType: contentType},
	)
	if err != nil {
		return "", fmt.Errorf("failed to upload image: %w", err)
	}

	publicURL := s.GetImageURL(key)

	log.Info().
		Str("key", key).
		Str("url", publicURL).
		Int("size", len(data)).
		Msg("Report photo uploaded")

	return publicURL, nil
}

// objectKey builds reports/<date>/<uuid><ext>
func (s *MinIOStorage) objectKey(contentType string) string {
	ext := ".jpg"
	if exts, err := mime.ExtensionsByType(contentType); err == nil && len(exts) > 0 {
		ext = exts[0]
		for _, candidate := range exts {
			if candidate == ".jpg" || candidate == ".png" || candidate == ".webp" || candidate == ".gif" {
				ext = candidate
				break
			}
		}
	}
	return fmt.Sprintf("reports/%s/%s%s", s.now().Format("2006-01-02"), uuid.New().String(), ext)
}

// GetImageURL returns the public URL for an object key
func (s *MinIOStorage) GetImageURL(objectKey string) string {
	return fmt.Sprintf("%s/%s/%s", s.publicEndpoint, s.bucketName, objectKey)
}

// HealthCheck verifies the MinIO connection
func (s *MinIOStorage) HealthCheck(ctx context.Context) error {
	exists, err := s.client.BucketExists(ctx, s.bucketName)
	if err != nil {
		return fmt.Errorf("MinIO health check failed: %w", err)
	}
	if !exists {
		return fmt.Errorf("bucket '%s' does not exist", s.bucketName)
	}
	return nil
}

// cleanPublicEndpoint strips quotes and trailing slashes and adds a scheme when missing
func cleanPublicEndpoint(publicEndpoint, endpoint string, useSSL bool) string {
	if strings.TrimSpace(publicEndpoint) == "" {
		publicEndpoint = endpoint
	}
	publicEndpoint = strings.TrimSpace(publicEndpoint)
	publicEndpoint = strings.Trim(publicEndpoint, `"'=`)
	publicEndpoint = strings.TrimSuffix(publicEndpoint, "/")

	if strings.Contains(publicEndpoint, "://") {
		return publicEndpoint
	}
	if useSSL {
		return "https://" + publicEndpoint
	}
	return "http://" + publicEndpoint
}
