// Package fetch downloads a versioned third-party archive and extracts the
// architecture-specific member a Windows build embeds.
package fetch

import (
	"archive/tar"
	"bufio"
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	securejoin "github.com/cyphar/filepath-securejoin"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zip"

	"github.com/VoxDroid/relkit/internal/relerr"
)

const op = "fetch"

// EnvFetchToken, if set, is sent as a bearer token with every download.
const EnvFetchToken = "RELKIT_FETCH_TOKEN"

// Bundle is an extracted archive held in a private temporary directory.
// Callers must Close it once the designated file has been copied out.
type Bundle struct {
	URL        string
	MemberPath string
	// SHA256 is the hex digest of the downloaded archive.
	SHA256 string

	dir  string
	file string
}

// NewBundle wraps file, which must live under dir. Close removes dir.
func NewBundle(dir, file string) *Bundle {
	return &Bundle{dir: dir, file: file}
}

// File returns the path of the extracted member.
func (b *Bundle) File() string { return b.file }

// Close removes the extracted tree and the downloaded archive. It is safe
// to call more than once.
func (b *Bundle) Close() error {
	if b == nil || b.dir == "" {
		return nil
	}
	err := os.RemoveAll(b.dir)
	b.dir = ""
	return err
}

// Fetcher retrieves a bundle.
type Fetcher interface {
	Fetch(ctx context.Context, url, memberPath string) (*Bundle, error)
}

// HTTPFetcher downloads archives over HTTP(S). Proxy settings come from the
// environment through the default transport.
type HTTPFetcher struct {
	Client *http.Client
	// Timeout bounds the whole download; zero means no extra bound.
	Timeout time.Duration
	// TempDir is the parent of the private extraction directories.
	TempDir string
	Token   string
	// Pins maps archive URLs to their expected SHA-256.
	Pins map[string]string
}

// NewHTTPFetcher returns a fetcher using the default transport and the
// token from RELKIT_FETCH_TOKEN.
func NewHTTPFetcher(timeout time.Duration) *HTTPFetcher {
	return &HTTPFetcher{
		Client:  &http.Client{Transport: http.DefaultTransport},
		Timeout: timeout,
		Token:   os.Getenv(EnvFetchToken),
		Pins:    map[string]string{},
	}
}

// Fetch downloads url, extracts it and locates memberPath inside it.
// There is no retry: transport errors, timeouts and non-2xx statuses are
// relerr.ErrNetwork, unreadable archives relerr.ErrExtraction, and a
// missing member relerr.ErrNotFound. On error nothing is left on disk.
func (f *HTTPFetcher) Fetch(ctx context.Context, url, memberPath string) (_ *Bundle, err error) {
	if f.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, f.Timeout)
		defer cancel()
	}

	dir, err := os.MkdirTemp(f.TempDir, "relkit-bundle-")
	if err != nil {
		return nil, relerr.New(relerr.ErrExtraction, op, fmt.Errorf("create temp dir: %w", err))
	}
	b := &Bundle{URL: url, MemberPath: memberPath, dir: dir}
	defer func() {
		if err != nil {
			_ = b.Close()
		}
	}()

	archive := filepath.Join(dir, "archive")
	slog.InfoContext(ctx, "downloading bundle", "url", url)
	if b.SHA256, err = f.download(ctx, url, archive); err != nil {
		return nil, err
	}
	if want := f.Pins[url]; want != "" && !strings.EqualFold(want, b.SHA256) {
		return nil, relerr.Newf(relerr.ErrNetwork, op, "%s: sha256 %s does not match pinned %s", url, b.SHA256, want)
	}

	root := filepath.Join(dir, "tree")
	if err := extract(archive, root); err != nil {
		return nil, err
	}
	// the archive is no longer needed once extracted
	_ = os.Remove(archive)

	if b.file, err = locate(root, memberPath); err != nil {
		return nil, err
	}
	slog.DebugContext(ctx, "bundle member located", "url", url, "member", memberPath)
	return b, nil
}

func (f *HTTPFetcher) download(ctx context.Context, url, dst string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", relerr.New(relerr.ErrNetwork, op, fmt.Errorf("build request: %w", err))
	}
	if f.Token != "" {
		req.Header.Set("Authorization", "Bearer "+f.Token)
	}
	client := f.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return "", relerr.New(relerr.ErrNetwork, op, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", relerr.Newf(relerr.ErrNetwork, op, "GET %s: unexpected status %s", url, resp.Status)
	}

	out, err := os.Create(dst)
	if err != nil {
		return "", relerr.New(relerr.ErrExtraction, op, fmt.Errorf("create archive file: %w", err))
	}
	h := sha256.New()
	_, copyErr := io.Copy(io.MultiWriter(out, h), resp.Body)
	closeErr := out.Close()
	if copyErr != nil {
		return "", relerr.New(relerr.ErrNetwork, op, fmt.Errorf("read body of %s: %w", url, copyErr))
	}
	if closeErr != nil {
		return "", relerr.New(relerr.ErrExtraction, op, closeErr)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

var (
	zipMagic      = []byte("PK\x03\x04")
	zipEmptyMagic = []byte("PK\x05\x06")
	gzipMagic     = []byte{0x1f, 0x8b}
)

func extract(archive, root string) error {
	fh, err := os.Open(archive)
	if err != nil {
		return relerr.New(relerr.ErrExtraction, op, err)
	}
	defer fh.Close()
	magic, _ := bufio.NewReader(fh).Peek(4)
	if _, err := fh.Seek(0, io.SeekStart); err != nil {
		return relerr.New(relerr.ErrExtraction, op, err)
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return relerr.New(relerr.ErrExtraction, op, err)
	}

	switch {
	case bytes.HasPrefix(magic, zipMagic), bytes.HasPrefix(magic, zipEmptyMagic):
		err = extractZip(archive, root)
	case bytes.HasPrefix(magic, gzipMagic):
		err = extractTarGz(fh, root)
	default:
		err = fmt.Errorf("unsupported archive format (magic %x)", magic)
	}
	if err != nil {
		return relerr.New(relerr.ErrExtraction, op, err)
	}
	return nil
}

func extractZip(archive, root string) error {
	zr, err := zip.OpenReader(archive)
	if err != nil {
		return fmt.Errorf("open zip: %w", err)
	}
	defer zr.Close()
	for _, zf := range zr.File {
		dst, err := securejoin.SecureJoin(root, zf.Name)
		if err != nil {
			return fmt.Errorf("entry %q: %w", zf.Name, err)
		}
		if zf.FileInfo().IsDir() {
			if err := os.MkdirAll(dst, 0o755); err != nil {
				return err
			}
			continue
		}
		if !zf.Mode().IsRegular() {
			continue
		}
		rc, err := zf.Open()
		if err != nil {
			return fmt.Errorf("entry %q: %w", zf.Name, err)
		}
		err = writeFile(dst, rc, zf.Mode().Perm())
		rc.Close()
		if err != nil {
			return fmt.Errorf("entry %q: %w", zf.Name, err)
		}
	}
	return nil
}

func extractTarGz(r io.Reader, root string) error {
	gz, err := gzip.NewReader(r)
	if err != nil {
		return fmt.Errorf("open gzip: %w", err)
	}
	defer gz.Close()
	tr := tar.NewReader(gz)
	for {
		hdr, err := tr.Next()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("read tar: %w", err)
		}
		dst, err := securejoin.SecureJoin(root, hdr.Name)
		if err != nil {
			return fmt.Errorf("entry %q: %w", hdr.Name, err)
		}
		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(dst, 0o755); err != nil {
				return err
			}
		case tar.TypeReg:
			if err := writeFile(dst, tr, os.FileMode(hdr.Mode).Perm()); err != nil {
				return fmt.Errorf("entry %q: %w", hdr.Name, err)
			}
		}
	}
}

func writeFile(dst string, r io.Reader, perm os.FileMode) error {
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return err
	}
	if perm == 0 {
		perm = 0o644
	}
	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, perm|0o200)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, r); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}

// locate resolves memberPath (slash separated, relative to the archive
// root) to a regular file inside root.
func locate(root, memberPath string) (string, error) {
	clean := path.Clean(strings.ReplaceAll(memberPath, `\`, "/"))
	if clean == "." || strings.HasPrefix(clean, "../") || clean == ".." || path.IsAbs(clean) {
		return "", relerr.Newf(relerr.ErrNotFound, op, "invalid member path %q", memberPath)
	}
	p, err := securejoin.SecureJoin(root, clean)
	if err != nil {
		return "", relerr.New(relerr.ErrNotFound, op, err)
	}
	st, err := os.Lstat(p)
	if err != nil {
		return "", relerr.Newf(relerr.ErrNotFound, op, "member %q not in archive", memberPath)
	}
	if !st.Mode().IsRegular() {
		return "", relerr.Newf(relerr.ErrNotFound, op, "member %q is not a regular file", memberPath)
	}
	return p, nil
}
