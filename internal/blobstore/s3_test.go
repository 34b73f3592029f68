package blobstore

import (
	"context"
	"fmt"
	"testing"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/mlsecarena/evalrunner/internal/common"
)

// newTestStore starts a throwaway MinIO container (S3-compatible),
// precreates the test bucket, and returns a Store pointed at it.
func newTestStore(t *testing.T) *Store {
	t.Helper()
	ctx := context.Background()

	req := testcontainers.ContainerRequest{
		Image:        "minio/minio:latest",
		ExposedPorts: []string{"9000/tcp"},
		Cmd:          []string{"server", "/data"},
		Env: map[string]string{
			"MINIO_ROOT_USER":     "evalrunner",
			"MINIO_ROOT_PASSWORD": "evalrunner123",
		},
		WaitingFor: wait.ForLog("API:").WithStartupTimeout(30 * time.Second),
	}
	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		t.Skipf("skipping blobstore integration test: docker unavailable: %v", err)
		return nil
	}
	t.Cleanup(func() { _ = container.Terminate(ctx) })

	host, err := container.Host(ctx)
	require.NoError(t, err)
	port, err := container.MappedPort(ctx, "9000/tcp")
	require.NoError(t, err)
	endpoint := fmt.Sprintf("http://%s:%s", host, port.Port())

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx,
		awsconfig.WithRegion("us-east-1"),
		awsconfig.WithCredentialsProvider(credentials.NewStaticCredentialsProvider("evalrunner", "evalrunner123", "")),
	)
	require.NoError(t, err)

	bucket := "evalrunner-test"
	admin := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.BaseEndpoint = &endpoint
		o.UsePathStyle = true
	})
	_, err = admin.CreateBucket(ctx, &s3.CreateBucketInput{Bucket: &bucket})
	require.NoError(t, err)

	store, err := New(ctx, Config{
		Bucket:    bucket,
		Prefix:    "objects",
		Region:    "us-east-1",
		Endpoint:  endpoint,
		AccessKey: "evalrunner",
		SecretKey: "evalrunner123",
	}, common.NewSilentLogger())
	require.NoError(t, err)
	return store
}

func TestPutThenGetRoundTrips(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	payload := []byte("the quick brown fox")
	require.NoError(t, store.Put(ctx, "attacks/sub-1/abc123", payload))

	got, err := store.Get(ctx, "attacks/sub-1/abc123")
	require.NoError(t, err)
	require.Equal(t, payload, got)
}

func TestGetReaderStreamsObjectBody(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	payload := []byte("streamed contents")
	require.NoError(t, store.Put(ctx, "defenses/sub-2/archive.zip", payload))

	rc, err := store.GetReader(ctx, "defenses/sub-2/archive.zip")
	require.NoError(t, err)
	defer rc.Close()

	buf := make([]byte, len(payload))
	n, err := rc.Read(buf)
	require.NoError(t, err)
	require.Equal(t, payload, buf[:n])
}

func TestGetMissingObjectFails(t *testing.T) {
	store := newTestStore(t)
	_, err := store.Get(context.Background(), "does/not/exist")
	require.Error(t, err)
}
