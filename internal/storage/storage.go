package storage

import "context"

// Storage is an object store holding archived evaluation results.
type Storage interface {
	Upload(ctx context.Context, objectPath string, data []byte, contentType string) error
	UploadFile(ctx context.Context, objectPath string, filePath string) error
	Download(ctx context.Context, objectPath string) ([]byte, error)
	GetBucket() string
	ShutDown(context.Context)
}
