package artifact

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/cuongbtq/imagejobs/shared/s3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNoop(t *testing.T) {
	key, err := Noop{}.Upload(context.Background(), "j1", "results/j1_output.jpg")
	require.NoError(t, err)
	assert.Empty(t, key)
}

func TestMinIOUploader_ObjectKey(t *testing.T) {
	tests := []struct {
		prefix string
		path   string
		want   string
	}{
		{prefix: "results", path: "/var/results/j1_output.jpg", want: "results/j1_output.jpg"},
		{prefix: "", path: "j1_output.png", want: "j1_output.png"},
		{prefix: "a/b/", path: "out/j2_output.jpg", want: "a/b/j2_output.jpg"},
	}

	for _, tt := range tests {
		u := NewMinIOUploader(nil, tt.prefix)
		assert.Equal(t, tt.want, u.ObjectKey(tt.path))
	}
}

func TestContentType(t *testing.T) {
	assert.Equal(t, "image/jpeg", contentType("x.jpg"))
	assert.Equal(t, "image/png", contentType("x.png"))
	assert.Equal(t, "application/octet-stream", contentType("x.unknownext"))
}

func TestMinIOUploader_Errors(t *testing.T) {
	_, err := NewMinIOUploader(nil, "results").Upload(context.Background(), "j1", "x.jpg")
	assert.Error(t, err)

	storage, err := s3.NewClient(&s3.Config{Endpoint: "127.0.0.1:1", AccessKey: "k", SecretKey: "s", Bucket: "b"})
	require.NoError(t, err)

	// the local file is opened before any network call
	_, err = NewMinIOUploader(storage, "results").Upload(context.Background(), "j1", filepath.Join(t.TempDir(), "missing.jpg"))
	assert.Error(t, err)
}
