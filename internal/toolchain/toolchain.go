// Package toolchain invokes the language toolchain that freezes the
// application into a ready-to-run tree for one platform target.
package toolchain

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"

	"github.com/VoxDroid/relkit/internal/config"
	"github.com/VoxDroid/relkit/internal/executor"
	"github.com/VoxDroid/relkit/internal/relerr"
)

const op = "build"

var lookPath = exec.LookPath

// Tree is a build output directory named <project>-<version>.
type Tree struct {
	Dir     string
	Project string
	Version string
	Target  string
	// Log is the toolchain's combined output.
	Log string
}

// Name returns the tree's directory name, also the archive root entry.
func (t *Tree) Name() string { return TreeName(t.Project, t.Version) }

// TreeName is the deterministic directory name for a build tree.
func TreeName(project, version string) string { return project + "-" + version }

// Builder produces a build tree for one target.
type Builder interface {
	Build(ctx context.Context, target config.Target, version string) (*Tree, error)
}

// CommandBuilder runs the target's configured toolchain command.
type CommandBuilder struct {
	Project string
	// SourceDir is the checkout the toolchain runs in.
	SourceDir string
	// Workspace receives the tree; it must be private to one track.
	Workspace string
	Runner    executor.Runner
	// Log, if set, receives toolchain output as it is produced.
	Log io.Writer
}

// Build selects the target's toolchain profile, checks the interpreter is
// installed and runs the command with ${PROJECT}, ${VERSION}, ${TARGET},
// ${ARCH} and ${OUTDIR} expanded. The context deadline bounds the call.
func (b *CommandBuilder) Build(ctx context.Context, target config.Target, version string) (*Tree, error) {
	tree := &Tree{
		Project: b.Project,
		Version: version,
		Target:  target.Name,
	}
	tree.Dir = filepath.Join(b.Workspace, tree.Name())

	interp := target.Profile.Interpreter
	if interp == "" {
		interp = target.Profile.Command
	}
	if prog := executor.Program(interp); prog == "" {
		return nil, relerr.Newf(relerr.ErrToolchainUnavailable, op, "no interpreter configured for %s", target.Name)
	} else if !b.dryRun() {
		if _, err := lookPath(prog); err != nil {
			return nil, relerr.Newf(relerr.ErrToolchainUnavailable, op, "interpreter %q for %s not installed: %v", prog, target.Name, err)
		}
	}

	if err := os.MkdirAll(b.Workspace, 0o755); err != nil {
		return nil, relerr.New(relerr.ErrBuildFailed, op, fmt.Errorf("create workspace: %w", err))
	}
	// a tree left by an earlier build must not leak into this one
	if !b.dryRun() {
		if err := os.RemoveAll(tree.Dir); err != nil {
			return nil, relerr.New(relerr.ErrBuildFailed, op, fmt.Errorf("remove stale tree: %w", err))
		}
	}

	vars := map[string]string{
		"PROJECT": b.Project,
		"VERSION": version,
		"TARGET":  target.Name,
		"ARCH":    target.Profile.Arch,
		"OUTDIR":  tree.Dir,
	}
	env := []string{
		"RELKIT_PROJECT=" + b.Project,
		"RELKIT_VERSION=" + version,
		"RELKIT_TARGET=" + target.Name,
		"RELKIT_OUTDIR=" + tree.Dir,
	}
	slog.InfoContext(ctx, "running toolchain", "target", target.Name, "version", version, "outdir", tree.Dir)
	res, err := b.Runner.Run(ctx, executor.Command{
		Line: target.Profile.Command,
		Vars: vars,
		Dir:  b.SourceDir,
		Env:  env,
		Tee:  b.Log,
	})
	tree.Log = res.Output()
	if err != nil {
		return nil, classify(err, res)
	}
	if b.dryRun() {
		return tree, nil
	}
	st, err := os.Stat(tree.Dir)
	if err != nil || !st.IsDir() {
		return nil, relerr.Newf(relerr.ErrBuildFailed, op, "toolchain exited 0 but produced no tree at %s", tree.Dir).WithDiag(tree.Log)
	}
	return tree, nil
}

func (b *CommandBuilder) dryRun() bool {
	e, ok := b.Runner.(*executor.Executor)
	return ok && e.DryRun
}

func classify(err error, res *executor.Result) error {
	switch {
	case errors.Is(err, executor.ErrToolMissing):
		return relerr.New(relerr.ErrToolchainUnavailable, op, err)
	case errors.Is(err, context.DeadlineExceeded):
		return relerr.New(relerr.ErrToolchainUnavailable, op, fmt.Errorf("toolchain timed out: %w", err)).WithDiag(res.Output())
	default:
		return relerr.New(relerr.ErrBuildFailed, op, err).WithDiag(res.Output())
	}
}
