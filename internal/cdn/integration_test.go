package cdn

import (
	"context"
	"io"
	"testing"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/opencontainers/go-digest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"foliocache/internal/config"
	"foliocache/internal/media"
	"foliocache/internal/upload"
)

func startMinIO(t *testing.T) string {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	ctx := context.Background()
	c, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "minio/minio:latest",
			ExposedPorts: []string{"9000/tcp"},
			Env: map[string]string{
				"MINIO_ROOT_USER":     "minioadmin",
				"MINIO_ROOT_PASSWORD": "minioadmin",
			},
			Cmd:        []string{"server", "/data"},
			WaitingFor: wait.ForHTTP("/minio/health/live").WithPort("9000/tcp"),
		},
		Started: true,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Terminate(ctx) })

	endpoint, err := c.Endpoint(ctx, "")
	require.NoError(t, err)
	return endpoint
}

func TestMinIOUploadRoundTrip(t *testing.T) {
	endpoint := startMinIO(t)
	ctx := context.Background()

	cfg := config.CDNConfig{Endpoint: endpoint, Bucket: "folio", AccessKey: "minioadmin", SecretKey: "minioadmin", Prefix: "media"}
	c, err := New(cfg)
	require.NoError(t, err)
	require.NoError(t, c.EnsureBucket(ctx, ""))
	require.NoError(t, c.EnsureBucket(ctx, ""), "existing bucket is fine")

	data := []byte("a small gallery image")
	h := upload.Hints{Name: "shot.jpg", ContentType: "image/jpeg", Digest: digest.FromBytes(data), Kind: media.Image}
	obj, err := c.Upload(ctx, data, h)
	require.NoError(t, err)
	assert.Equal(t, int64(len(data)), obj.SizeBytes)

	mc, err := minio.New(endpoint, &minio.Options{Creds: credentials.NewStaticV4("minioadmin", "minioadmin", "")})
	require.NoError(t, err)
	rc, err := mc.GetObject(ctx, "folio", c.ObjectKey(h), minio.GetObjectOptions{})
	require.NoError(t, err)
	defer rc.Close()
	got, err := io.ReadAll(rc)
	require.NoError(t, err)
	assert.Equal(t, data, got)
}
