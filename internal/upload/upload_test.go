package upload

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gocloud.dev/blob/memblob"

	"github.com/VoxDroid/relkit/internal/relerr"
)

func TestUploadStoresUnderGroup(t *testing.T) {
	ctx := context.Background()
	bucket := memblob.OpenBucket(nil)
	u := NewBlobUploader(bucket, 0)
	defer u.Close()

	art := filepath.Join(t.TempDir(), "project-1.23-win64.zip")
	require.NoError(t, os.WriteFile(art, []byte("zipbytes"), 0o644))

	require.NoError(t, u.Upload(ctx, "project.ci", art))

	got, err := bucket.ReadAll(ctx, "project.ci/project-1.23-win64.zip")
	require.NoError(t, err)
	assert.Equal(t, []byte("zipbytes"), got)
}

func TestUploadMissingFile(t *testing.T) {
	u := NewBlobUploader(memblob.OpenBucket(nil), 0)
	defer u.Close()
	err := u.Upload(context.Background(), "g", filepath.Join(t.TempDir(), "nope.zip"))
	assert.ErrorIs(t, err, relerr.ErrUploadFailed)
}

func TestOpenFileBucket(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	u, err := OpenBucket(ctx, "file://"+filepath.ToSlash(dir), 0)
	require.NoError(t, err)
	defer u.Close()

	art := filepath.Join(t.TempDir(), "project-1.23.zip")
	require.NoError(t, os.WriteFile(art, []byte("z"), 0o644))
	require.NoError(t, u.Upload(ctx, "ci", art))

	_, err = os.Stat(filepath.Join(dir, "ci", "project-1.23.zip"))
	assert.NoError(t, err)

	_, err = OpenBucket(ctx, "nosuchscheme://x", 0)
	assert.Error(t, err)
}

func TestKey(t *testing.T) {
	assert.Equal(t, "gw.ci/gw-1.0.zip", Key("gw.ci", filepath.Join("out", "gw-1.0.zip")))
}
