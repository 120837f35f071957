package minio

import (
	"context"
	"fmt"
	"io"
	"testing"
	"time"

	"github.com/kscalelabs/kodachrome/internal/config"
	minioSDK "github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

func SetupContainer(ctx context.Context) (testcontainers.Container, string) {
	req := testcontainers.ContainerRequest{
		Image:        "minio/minio:latest",
		ExposedPorts: []string{"9000/tcp"},
		Env: map[string]string{
			"MINIO_ROOT_USER":     "minioadmin",
			"MINIO_ROOT_PASSWORD": "minioadmin",
		},
		Cmd: []string{"server", "/data"},
		WaitingFor: wait.ForHTTP("/minio/health/ready").
			WithPort("9000").
			WithStartupTimeout(30 * time.Second),
	}

	var err error
	minioContainer, err := testcontainers.GenericContainer(
		ctx,
		testcontainers.GenericContainerRequest{
			ContainerRequest: req,
			Started:          true,
		},
	)
	if err != nil {
		panic(err)
	}

	host, _ := minioContainer.Host(ctx)
	port, _ := minioContainer.MappedPort(ctx, "9000")

	MINIO_ENDPOINT := fmt.Sprintf("%s:%s", host, port.Port())
	return minioContainer, MINIO_ENDPOINT
}

// Config returns a MinioConfig for the container's root credentials.
func Config(endpoint, bucket string) *config.MinioConfig {
	return &config.MinioConfig{
		URL:        endpoint,
		BUCKET:     bucket,
		ACCESS_KEY: "minioadmin",
		SECRET_KEY: "minioadmin",
		USE_SSL:    false,
	}
}

// ReadObject fetches an object with a fresh SDK client, bypassing the code under test.
func ReadObject(t *testing.T, endpoint, bucket, object string) []byte {
	t.Helper()

	client, err := minioSDK.New(
		endpoint,
		&minioSDK.Options{
			Creds:  credentials.NewStaticV4("minioadmin", "minioadmin", ""),
			Secure: false,
		},
	)
	require.NoError(t, err)

	obj, err := client.GetObject(context.Background(), bucket, object, minioSDK.GetObjectOptions{})
	require.NoError(t, err)
	defer obj.Close()

	data, err := io.ReadAll(obj)
	require.NoError(t, err)
	return data
}
