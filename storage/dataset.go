package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

const maxDatasetFileBytes int64 = 25 * 1024 * 1024

// DatasetStorage stores uploaded training files in MinIO/S3. A nil storage
// (missing MINIO_* configuration) degrades to an explicit error on use so
// the rest of the service still starts.
type DatasetStorage struct {
	client *minio.Client
	bucket string
}

// NewDatasetStorageFromEnv initialises DatasetStorage using MINIO_* env
// variables. All of endpoint, access key, secret key, and bucket must be set;
// otherwise (nil, nil) is returned and file uploads are unavailable.
func NewDatasetStorageFromEnv() (*DatasetStorage, error) {
	endpoint := strings.TrimSpace(os.Getenv("MINIO_ENDPOINT"))
	accessKey := strings.TrimSpace(os.Getenv("MINIO_ACCESS_KEY"))
	secretKey := strings.TrimSpace(os.Getenv("MINIO_SECRET_KEY"))
	bucket := strings.TrimSpace(os.Getenv("MINIO_BUCKET"))
	if endpoint == "" || accessKey == "" || secretKey == "" || bucket == "" {
		return nil, nil
	}

	useSSL := strings.EqualFold(strings.TrimSpace(os.Getenv("MINIO_USE_SSL")), "true")
	client, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(accessKey, secretKey, ""),
		Secure: useSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("storage: init minio client: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	exists, err := client.BucketExists(ctx, bucket)
	if err != nil {
		return nil, fmt.Errorf("storage: check bucket: %w", err)
	}
	if !exists {
		if err := client.MakeBucket(ctx, bucket, minio.MakeBucketOptions{}); err != nil {
			return nil, fmt.Errorf("storage: create bucket: %w", err)
		}
	}

	return &DatasetStorage{client: client, bucket: bucket}, nil
}

// Put stores one uploaded dataset file and returns its object key. The key
// layout is datasets/<minionID>/<uuid>-<original-name>.
func (s *DatasetStorage) Put(ctx context.Context, minionID uint64, fileHeader *multipart.FileHeader) (string, error) {
	if s == nil || s.client == nil {
		return "", errors.New("storage: dataset storage is not configured")
	}
	if fileHeader == nil {
		return "", errors.New("storage: file not provided")
	}
	if fileHeader.Size > 0 && fileHeader.Size > maxDatasetFileBytes {
		return "", fmt.Errorf("storage: file exceeds %d bytes", maxDatasetFileBytes)
	}

	name := filepath.Base(strings.TrimSpace(fileHeader.Filename))
	if !IsAllowedDatasetFile(name) {
		return "", fmt.Errorf("storage: unsupported file type %q (supported: .txt, .md, .pdf, .docx, .doc)", filepath.Ext(name))
	}

	src, err := fileHeader.Open()
	if err != nil {
		return "", fmt.Errorf("storage: open upload: %w", err)
	}
	defer src.Close()

	var buffer bytes.Buffer
	written, err := io.Copy(&buffer, io.LimitReader(src, maxDatasetFileBytes+1))
	if err != nil {
		return "", fmt.Errorf("storage: read upload: %w", err)
	}
	if written > maxDatasetFileBytes {
		return "", fmt.Errorf("storage: file exceeds %d bytes", maxDatasetFileBytes)
	}

	objectKey := path.Join("datasets", fmt.Sprintf("%d", minionID), uuid.NewString()+"-"+name)

	uploadCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	data := buffer.Bytes()
	if _, err := s.client.PutObject(uploadCtx, s.bucket, objectKey, bytes.NewReader(data), int64(len(data)), minio.PutObjectOptions{
		ContentType: "application/octet-stream",
	}); err != nil {
		return "", fmt.Errorf("storage: upload dataset file: %w", err)
	}
	return objectKey, nil
}

// Fetch reads a stored dataset file back for ingestion.
func (s *DatasetStorage) Fetch(ctx context.Context, objectKey string) ([]byte, error) {
	if s == nil || s.client == nil {
		return nil, errors.New("storage: dataset storage is not configured")
	}
	objectKey = strings.TrimPrefix(strings.TrimSpace(objectKey), "/")
	if objectKey == "" {
		return nil, errors.New("storage: object key is required")
	}

	fetchCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	object, err := s.client.GetObject(fetchCtx, s.bucket, objectKey, minio.GetObjectOptions{})
	if err != nil {
		return nil, fmt.Errorf("storage: fetch %s: %w", objectKey, err)
	}
	defer object.Close()

	data, err := io.ReadAll(io.LimitReader(object, maxDatasetFileBytes+1))
	if err != nil {
		return nil, fmt.Errorf("storage: read %s: %w", objectKey, err)
	}
	if int64(len(data)) > maxDatasetFileBytes {
		return nil, fmt.Errorf("storage: object %s exceeds %d bytes", objectKey, maxDatasetFileBytes)
	}
	return data, nil
}

// Remove deletes a stored dataset file.
func (s *DatasetStorage) Remove(ctx context.Context, objectKey string) error {
	if s == nil || s.client == nil {
		return nil
	}
	removeCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	return s.client.RemoveObject(removeCtx, s.bucket, strings.TrimPrefix(objectKey, "/"), minio.RemoveObjectOptions{})
}

// IsAllowedDatasetFile reports whether the file extension is ingestible.
func IsAllowedDatasetFile(name string) bool {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".txt", ".md", ".pdf", ".docx", ".doc":
		return true
	default:
		return false
	}
}
