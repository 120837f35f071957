package minio

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"mime"
	"net/http"
	"path/filepath"
	"time"

	"github.com/kscalelabs/kodachrome/internal/config"
	"github.com/kscalelabs/kodachrome/internal/job_tracer"
	"github.com/kscalelabs/kodachrome/internal/storage"
	"github.com/kscalelabs/kodachrome/internal/util"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// MinioClient wraps the MinIO SDK client.
type MinioClient struct {
	client    *minio.Client
	bucket    string
	transport *http.Transport
}

// NewMinioClient connects to MinIO and creates the bucket if it is missing.
func NewMinioClient(ctx context.Context, cfg *config.MinioConfig) (storage.Storage, error) {
	transport := &http.Transport{
		MaxIdleConns:          100,
		MaxIdleConnsPerHost:   50,
		MaxConnsPerHost:       50,
		IdleConnTimeout:       120 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,

		DisableCompression: true,
		DisableKeepAlives:  false,
	}

	cli, err := minio.New(cfg.URL, &minio.Options{
		Creds:     credentials.NewStaticV4(cfg.ACCESS_KEY, cfg.SECRET_KEY, ""),
		Secure:    cfg.USE_SSL,
		Transport: transport,
	})
	if err != nil {
		return nil, err
	}

	m := &MinioClient{client: cli, bucket: cfg.BUCKET, transport: transport}
	if err := m.ensureBucket(ctx); err != nil {
		transport.CloseIdleConnections()
		return nil, err
	}
	return m, nil
}

func (m *MinioClient) ensureBucket(ctx context.Context) error {
	exists, err := m.client.BucketExists(ctx, m.bucket)
	if err != nil {
		return fmt.Errorf("check bucket %s: %w", m.bucket, err)
	}
	if exists {
		return nil
	}
	if err := m.client.MakeBucket(ctx, m.bucket, minio.MakeBucketOptions{}); err != nil {
		return fmt.Errorf("create bucket %s: %w", m.bucket, err)
	}
	return nil
}

func (m *MinioClient) Upload(ctx context.Context, objectPath string, data []byte, contentType string) error {
	tracer := job_tracer.GetTracer()
	ctx, span := tracer.Start(ctx, "MinIO/Upload")
	defer span.End()

	_, err := m.client.PutObject(ctx, m.bucket, objectPath, bytes.NewReader(data), int64(len(data)), minio.PutObjectOptions{
		ContentType: contentType,
	})
	if err != nil {
		util.RecordSpanError(span, err)
		return err
	}
	return nil
}

// UploadFile streams a local file into objectPath.
func (m *MinioClient) UploadFile(ctx context.Context, objectPath string, filePath string) error {
	tracer := job_tracer.GetTracer()
	ctx, span := tracer.Start(ctx, "MinIO/UploadFile")
	defer span.End()

	_, err := m.client.FPutObject(ctx, m.bucket, objectPath, filePath, minio.PutObjectOptions{
		ContentType: contentTypeOf(filePath),
	})
	if err != nil {
		util.RecordSpanError(span, err)
		return err
	}
	return nil
}

func contentTypeOf(path string) string {
	if ct := mime.TypeByExtension(filepath.Ext(path)); ct != "" {
		return ct
	}
	return "application/octet-stream"
}

func (m *MinioClient) Download(ctx context.Context, objectPath string) ([]byte, error) {
	tracer := job_tracer.GetTracer()
	ctx, span := tracer.Start(ctx, "MinIO/Download")
	defer span.End()

	object, err := m.client.GetObject(ctx, m.bucket, objectPath, minio.GetObjectOptions{})
	if err != nil {
		util.RecordSpanError(span, err)
		return nil, err
	}
	defer object.Close()

	// check if the object exists
	if _, err := object.Stat(); err != nil {
		util.RecordSpanError(span, err)
		return nil, err
	}

	data, err := io.ReadAll(object)
	if err != nil {
		util.RecordSpanError(span, err)
		return nil, err
	}
	return data, nil
}

func (m *MinioClient) GetBucket() string {
	return m.bucket
}

// ShutDown drops idle connections, giving up when ctx ends.
func (m *MinioClient) ShutDown(ctx context.Context) {
	done := make(chan struct{})
	go func() {
		m.transport.CloseIdleConnections()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
	}
}
