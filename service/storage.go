package service

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/courseloom/courseloom/config"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// StorageResolver fetches raw material bytes. Sources are either object
// references in our bucket ("minio://bucket/object" or a bare object key)
// or external web URLs.
type StorageResolver interface {
	Fetch(ctx context.Context, sourceURL string) ([]byte, error)
}

type MinioStorageResolver struct {
	client     *minio.Client
	bucket     string
	httpClient *http.Client
}

func NewMinioStorageResolver(cfg *config.MinIOConfig) (*MinioStorageResolver, error) {
	minioClient, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create MinIO client: %w", err)
	}

	ctx := context.Background()
	exists, err := minioClient.BucketExists(ctx, cfg.BucketName)
	if err != nil {
		return nil, fmt.Errorf("failed to check bucket existence: %w", err)
	}
	if !exists {
		if err := minioClient.MakeBucket(ctx, cfg.BucketName, minio.MakeBucketOptions{}); err != nil {
			return nil, fmt.Errorf("failed to create bucket: %w", err)
		}
	}

	return &MinioStorageResolver{
		client:     minioClient,
		bucket:     cfg.BucketName,
		httpClient: &http.Client{Timeout: 2 * time.Minute},
	}, nil
}

func (r *MinioStorageResolver) Fetch(ctx context.Context, sourceURL string) ([]byte, error) {
	if strings.HasPrefix(sourceURL, "http://") || strings.HasPrefix(sourceURL, "https://") {
		return r.fetchHTTP(ctx, sourceURL)
	}
	return r.fetchObject(ctx, sourceURL)
}

func (r *MinioStorageResolver) fetchObject(ctx context.Context, ref string) ([]byte, error) {
	bucket, object := r.bucket, ref
	if rest, ok := strings.CutPrefix(ref, "minio://"); ok {
		parts := strings.SplitN(rest, "/", 2)
		if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
			return nil, fmt.Errorf("malformed object reference %q", ref)
		}
		bucket, object = parts[0], parts[1]
	}

	obj, err := r.client.GetObject(ctx, bucket, object, minio.GetObjectOptions{})
	if err != nil {
		return nil, fmt.Errorf("failed to get object %s/%s: %w", bucket, object, err)
	}
	defer obj.Close()

	data, err := io.ReadAll(obj)
	if err != nil {
		return nil, fmt.Errorf("failed to read object %s/%s: %w", bucket, object, err)
	}
	return data, nil
}

func (r *MinioStorageResolver) fetchHTTP(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := r.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch %s: %w", url, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetch %s: unexpected status %d", url, resp.StatusCode)
	}
	return io.ReadAll(resp.Body)
}
