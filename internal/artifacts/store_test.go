package artifacts

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFSStorePut(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	store, err := NewFSStore(dir)
	require.NoError(t, err)

	uri, err := store.Put(context.Background(), Artifact{
		RunID:       "run-1",
		TaskID:      "ports",
		Name:        "result.json",
		ContentType: "application/json",
		Data:        []byte(`{"open_ports":[22,80]}`),
	})
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(uri, "file://"))

	data, err := os.ReadFile(filepath.Join(dir, "run-1", "ports", "result.json"))
	require.NoError(t, err)
	assert.JSONEq(t, `{"open_ports":[22,80]}`, string(data))
}

func TestFSStoreValidation(t *testing.T) {
	t.Parallel()
	store, err := NewFSStore(t.TempDir())
	require.NoError(t, err)

	_, err = store.Put(context.Background(), Artifact{TaskID: "t", Name: "n"})
	assert.Error(t, err, "missing run id")
	_, err = store.Put(context.Background(), Artifact{RunID: "r", Name: "n"})
	assert.Error(t, err, "missing task id")
	_, err = store.Put(context.Background(), Artifact{RunID: "r", TaskID: "t"})
	assert.Error(t, err, "missing name")

	_, err = NewFSStore(" ")
	assert.Error(t, err)
}

func TestObjectStoreConfigValidation(t *testing.T) {
	t.Parallel()
	_, err := NewObjectStore(ObjectStoreConfig{Bucket: "artifacts"})
	assert.Error(t, err, "endpoint required")

	_, err = NewObjectStore(ObjectStoreConfig{Endpoint: "minio.local:9000"})
	assert.Error(t, err, "bucket required")
}
