// Package upload stores release artifacts in a blob bucket.
package upload

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"time"

	"gocloud.dev/blob"
	_ "gocloud.dev/blob/fileblob"
	_ "gocloud.dev/blob/memblob"

	"github.com/VoxDroid/relkit/internal/relerr"
)

const op = "upload"

// Uploader hands a named artifact file to storage under a group label.
type Uploader interface {
	Upload(ctx context.Context, group, file string) error
}

// BlobUploader writes artifacts to a gocloud.dev bucket such as
// file:///srv/artifacts or mem://.
type BlobUploader struct {
	bucket  *blob.Bucket
	timeout time.Duration
}

// OpenBucket opens the bucket at url.
func OpenBucket(ctx context.Context, url string, timeout time.Duration) (*BlobUploader, error) {
	b, err := blob.OpenBucket(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("open bucket %q: %w", url, err)
	}
	return &BlobUploader{bucket: b, timeout: timeout}, nil
}

// NewBlobUploader wraps an already opened bucket.
func NewBlobUploader(b *blob.Bucket, timeout time.Duration) *BlobUploader {
	return &BlobUploader{bucket: b, timeout: timeout}
}

// Key is the object key an artifact is stored under.
func Key(group, file string) string {
	return path.Join(group, filepath.Base(file))
}

// Upload copies file to <group>/<basename>. Any failure, including the
// timeout, is relerr.ErrUploadFailed; a partially written object is
// discarded by the bucket.
func (u *BlobUploader) Upload(ctx context.Context, group, file string) error {
	if u.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, u.timeout)
		defer cancel()
	}
	key := Key(group, file)
	f, err := os.Open(file)
	if err != nil {
		return relerr.New(relerr.ErrUploadFailed, op, err)
	}
	defer f.Close()

	// cancelling the write context aborts the object instead of committing it
	wctx, abort := context.WithCancel(ctx)
	defer abort()
	w, err := u.bucket.NewWriter(wctx, key, &blob.WriterOptions{ContentType: "application/zip"})
	if err != nil {
		return relerr.New(relerr.ErrUploadFailed, op, fmt.Errorf("open %s: %w", key, err))
	}
	if _, err := io.Copy(w, f); err != nil {
		abort()
		_ = w.Close()
		return relerr.New(relerr.ErrUploadFailed, op, fmt.Errorf("write %s: %w", key, err))
	}
	if err := w.Close(); err != nil {
		return relerr.New(relerr.ErrUploadFailed, op, fmt.Errorf("commit %s: %w", key, err))
	}
	slog.InfoContext(ctx, "artifact uploaded", "key", key)
	return nil
}

// Close releases the bucket.
func (u *BlobUploader) Close() error {
	return u.bucket.Close()
}
