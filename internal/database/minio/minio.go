package minio

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"strconv"
	"strings"
	"time"

	"ingestion-service/internal/config"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// MinioClient wraps the MinIO client with the ingestion service buckets.
type MinioClient struct {
	client *minio.Client
	config config.MinioConfig
}

// Storage names the buckets the service writes to.
var Storage = struct {
	RunReports string
}{
	RunReports: "ingestion-run-reports",
}

var BucketNames = []string{
	Storage.RunReports,
}

// ErrObjectNotFound is returned when a key does not exist.
var ErrObjectNotFound = errors.New("object not found")

func NewMinioClient(cfg config.MinioConfig) (*MinioClient, error) {
	endpoint := strings.TrimPrefix(cfg.MinioURL, "http://")
	endpoint = strings.TrimPrefix(endpoint, "https://")

	isSecure, err := strconv.ParseBool(cfg.MinioSecure)
	if err != nil {
		log.Printf("Invalid value for MinIO secure flag: %v. Defaulting to false.", err)
		isSecure = false
	}

	client, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.MinioAccessKey, cfg.MinioSecretKey, ""),
		Secure: isSecure,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize MinIO client: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if _, err := client.ListBuckets(ctx); err != nil {
		return nil, fmt.Errorf("failed to connect to MinIO server: %w", err)
	}

	mc := &MinioClient{client: client, config: cfg}
	for _, bucket := range BucketNames {
		if err := mc.ensureBucket(ctx, bucket); err != nil {
			return nil, fmt.Errorf("failed to ensure bucket %s: %w", bucket, err)
		}
	}

	log.Printf("MinIO client initialized at %s with %d buckets", cfg.MinioURL, len(BucketNames))
	return mc, nil
}

func (mc *MinioClient) ensureBucket(ctx context.Context, bucketName string) error {
	exists, err := mc.client.BucketExists(ctx, bucketName)
	if err != nil {
		return fmt.Errorf("error checking bucket existence: %w", err)
	}
	if exists {
		return nil
	}
	if err := mc.client.MakeBucket(ctx, bucketName, minio.MakeBucketOptions{Region: mc.config.MinioLocation}); err != nil {
		return fmt.Errorf("error creating bucket %s: %w", bucketName, err)
	}
	log.Printf("Created bucket: %s", bucketName)
	return nil
}

// UploadBytes stores data under objectName.
func (mc *MinioClient) UploadBytes(ctx context.Context, bucketName, objectName string, data []byte, contentType string) error {
	_, err := mc.client.PutObject(ctx, bucketName, objectName, bytes.NewReader(data), int64(len(data)),
		minio.PutObjectOptions{ContentType: contentType})
	if err != nil {
		return fmt.Errorf("failed to upload %s to bucket %s: %w", objectName, bucketName, err)
	}
	return nil
}

// DownloadBytes reads a whole object. Missing keys map to ErrObjectNotFound.
func (mc *MinioClient) DownloadBytes(ctx context.Context, bucketName, objectName string) ([]byte, error) {
	object, err := mc.client.GetObject(ctx, bucketName, objectName, minio.GetObjectOptions{})
	if err != nil {
		return nil, fmt.Errorf("failed to get %s from bucket %s: %w", objectName, bucketName, err)
	}
	defer object.Close()

	data, err := io.ReadAll(object)
	if err != nil {
		if minio.ToErrorResponse(err).Code == "NoSuchKey" {
			return nil, ErrObjectNotFound
		}
		return nil, fmt.Errorf("failed to read %s from bucket %s: %w", objectName, bucketName, err)
	}
	return data, nil
}

// ListKeys lists object keys under prefix.
func (mc *MinioClient) ListKeys(ctx context.Context, bucketName, prefix string) ([]string, error) {
	var keys []string
	for object := range mc.client.ListObjects(ctx, bucketName, minio.ListObjectsOptions{Prefix: prefix, Recursive: true}) {
		if object.Err != nil {
			return nil, fmt.Errorf("error listing objects in bucket %s: %w", bucketName, object.Err)
		}
		keys = append(keys, object.Key)
	}
	return keys, nil
}

// Ping is used by the health check.
func (mc *MinioClient) Ping(ctx context.Context) error {
	_, err := mc.client.BucketExists(ctx, Storage.RunReports)
	return err
}
