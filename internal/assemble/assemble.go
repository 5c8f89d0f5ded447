// Package assemble turns a build tree into a named release archive.
package assemble

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/klauspost/compress/flate"
	"github.com/klauspost/compress/zip"

	"github.com/VoxDroid/relkit/internal/relerr"
	"github.com/VoxDroid/relkit/internal/toolchain"
)

const op = "assemble"

// EnvSourceDateEpoch fixes archive timestamps for reproducible builds.
const EnvSourceDateEpoch = "SOURCE_DATE_EPOCH"

// Artifact is a finished release archive.
type Artifact struct {
	Name   string
	Path   string
	Target string
	Size   int64
	SHA256 string
}

// ArtifactName is the archive file name for a project, version and
// platform suffix ("" for the generic target).
func ArtifactName(project, version, suffix string) string {
	return toolchain.TreeName(project, version) + suffix + ".zip"
}

// BundleFile is the single file a Windows bundle contributes.
type BundleFile interface {
	File() string
}

// Assembler writes archives into OutDir.
type Assembler struct {
	OutDir string
	// ModTime, if non-zero, is stamped on every entry instead of the file's
	// own modification time.
	ModTime time.Time
}

// New returns an Assembler honouring SOURCE_DATE_EPOCH.
func New(outDir string) (*Assembler, error) {
	a := &Assembler{OutDir: outDir}
	if v := os.Getenv(EnvSourceDateEpoch); v != "" {
		secs, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid %s %q: %w", EnvSourceDateEpoch, v, err)
		}
		a.ModTime = time.Unix(secs, 0).UTC()
	}
	return a, nil
}

// Assemble merges bundle (nil for the generic target) into tree and writes
// <project>-<version><suffix>.zip whose single root entry is the tree
// directory. The bundle's file lands at the top level of the tree and must
// not already exist there.
func (a *Assembler) Assemble(ctx context.Context, tree *toolchain.Tree, bundle BundleFile, suffix string) (*Artifact, error) {
	if bundle != nil {
		if err := merge(tree.Dir, bundle.File()); err != nil {
			return nil, err
		}
	}
	if err := os.MkdirAll(a.OutDir, 0o755); err != nil {
		return nil, relerr.New(relerr.ErrCompression, op, fmt.Errorf("create output dir: %w", err))
	}

	art := &Artifact{
		Name:   ArtifactName(tree.Project, tree.Version, suffix),
		Target: tree.Target,
	}
	art.Path = filepath.Join(a.OutDir, art.Name)
	slog.InfoContext(ctx, "writing archive", "target", tree.Target, "artifact", art.Name)
	if err := a.writeZip(ctx, art.Path, tree.Dir, tree.Name()); err != nil {
		_ = os.Remove(art.Path)
		return nil, relerr.New(relerr.ErrCompression, op, err)
	}
	size, sum, err := digest(art.Path)
	if err != nil {
		return nil, relerr.New(relerr.ErrCompression, op, err)
	}
	art.Size, art.SHA256 = size, sum
	return art, nil
}

func merge(treeDir, src string) error {
	dst := filepath.Join(treeDir, filepath.Base(src))
	if _, err := os.Lstat(dst); err == nil {
		return relerr.Newf(relerr.ErrAssemblyConflict, "merge", "%s already exists in build tree; tree is stale or mismatched", filepath.Base(src))
	} else if !errors.Is(err, fs.ErrNotExist) {
		return relerr.New(relerr.ErrAssemblyConflict, "merge", err)
	}
	in, err := os.Open(src)
	if err != nil {
		return relerr.New(relerr.ErrNotFound, "merge", err)
	}
	defer in.Close()
	out, err := os.OpenFile(dst, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		if errors.Is(err, fs.ErrExist) {
			return relerr.New(relerr.ErrAssemblyConflict, "merge", err)
		}
		return relerr.New(relerr.ErrCompression, "merge", err)
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return relerr.New(relerr.ErrCompression, "merge", err)
	}
	if err := out.Close(); err != nil {
		return relerr.New(relerr.ErrCompression, "merge", err)
	}
	return nil
}

// writeZip archives dir under the root name. WalkDir visits entries in
// lexical order, so the entry order is stable between runs.
func (a *Assembler) writeZip(ctx context.Context, dst, dir, root string) error {
	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	zw := zip.NewWriter(out)
	zw.RegisterCompressor(zip.Deflate, func(w io.Writer) (io.WriteCloser, error) {
		return flate.NewWriter(w, flate.BestCompression)
	})

	walkErr := filepath.WalkDir(dir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		rel, err := filepath.Rel(dir, p)
		if err != nil {
			return err
		}
		name := root
		if rel != "." {
			name = root + "/" + filepath.ToSlash(rel)
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		if d.IsDir() {
			_, err := zw.CreateHeader(a.header(name+"/", info, zip.Store))
			return err
		}
		if !info.Mode().IsRegular() {
			return nil
		}
		w, err := zw.CreateHeader(a.header(name, info, zip.Deflate))
		if err != nil {
			return err
		}
		f, err := os.Open(p)
		if err != nil {
			return err
		}
		_, err = io.Copy(w, f)
		f.Close()
		return err
	})
	closeErr := zw.Close()
	fileErr := out.Close()
	if walkErr != nil {
		return fmt.Errorf("archive %s: %w", root, walkErr)
	}
	if closeErr != nil {
		return fmt.Errorf("finish archive: %w", closeErr)
	}
	return fileErr
}

func (a *Assembler) header(name string, info fs.FileInfo, method uint16) *zip.FileHeader {
	h, _ := zip.FileInfoHeader(info)
	h.Name = name
	h.Method = method
	if !a.ModTime.IsZero() {
		h.Modified = a.ModTime
	}
	return h
}

func digest(p string) (int64, string, error) {
	f, err := os.Open(p)
	if err != nil {
		return 0, "", err
	}
	defer f.Close()
	h := sha256.New()
	n, err := io.Copy(h, f)
	if err != nil {
		return 0, "", err
	}
	return n, hex.EncodeToString(h.Sum(nil)), nil
}

// ChecksumsName is the checksum file written next to a run's artifacts.
func ChecksumsName(project, version string) string {
	return toolchain.TreeName(project, version) + "-SHA256SUMS"
}

// WriteChecksums writes a sha256sum-compatible listing of arts into dir.
func WriteChecksums(dir, project, version string, arts []*Artifact) (string, error) {
	var b strings.Builder
	for _, a := range arts {
		fmt.Fprintf(&b, "%s  %s\n", a.SHA256, a.Name)
	}
	p := filepath.Join(dir, ChecksumsName(project, version))
	if err := os.WriteFile(p, []byte(b.String()), 0o644); err != nil {
		return "", fmt.Errorf("write checksums: %w", err)
	}
	return p, nil
}
