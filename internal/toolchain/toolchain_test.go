package toolchain

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/VoxDroid/relkit/internal/config"
	"github.com/VoxDroid/relkit/internal/executor"
	"github.com/VoxDroid/relkit/internal/relerr"
)

type fakeRunner struct {
	calls []executor.Command
	fn    func(c executor.Command) (*executor.Result, error)
}

func (f *fakeRunner) Run(_ context.Context, c executor.Command) (*executor.Result, error) {
	f.calls = append(f.calls, c)
	return f.fn(c)
}

func allowAllTools(t *testing.T) {
	t.Helper()
	old := lookPath
	lookPath = func(string) (string, error) { return "/usr/bin/true", nil }
	t.Cleanup(func() { lookPath = old })
}

func win64() config.Target {
	return config.Target{
		Name:    "win64",
		Suffix:  "-win64",
		Profile: config.Profile{Interpreter: "py -3-64", Command: "py -3-64 -m cx_Freeze --target-dir ${OUTDIR}", Arch: "x64"},
	}
}

func TestBuildExpandsProfile(t *testing.T) {
	allowAllTools(t)
	ws := t.TempDir()
	r := &fakeRunner{fn: func(c executor.Command) (*executor.Result, error) {
		require.NoError(t, os.MkdirAll(c.Vars["OUTDIR"], 0o755))
		return &executor.Result{Stdout: []byte("frozen\n")}, nil
	}}
	b := &CommandBuilder{Project: "project", SourceDir: "/src", Workspace: ws, Runner: r}

	tree, err := b.Build(context.Background(), win64(), "1.23")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(ws, "project-1.23"), tree.Dir)
	assert.Equal(t, "project-1.23", tree.Name())
	assert.Equal(t, "frozen\n", tree.Log)

	require.Len(t, r.calls, 1)
	c := r.calls[0]
	assert.Equal(t, "/src", c.Dir)
	assert.Equal(t, "x64", c.Vars["ARCH"])
	assert.Equal(t, "1.23", c.Vars["VERSION"])
	assert.Contains(t, c.Env, "RELKIT_TARGET=win64")
}

func TestBuildRemovesStaleTree(t *testing.T) {
	allowAllTools(t)
	ws := t.TempDir()
	stale := filepath.Join(ws, "project-1.23", "CAPSImg.dll")
	require.NoError(t, os.MkdirAll(filepath.Dir(stale), 0o755))
	require.NoError(t, os.WriteFile(stale, []byte("old"), 0o644))

	r := &fakeRunner{fn: func(c executor.Command) (*executor.Result, error) {
		require.NoError(t, os.MkdirAll(c.Vars["OUTDIR"], 0o755))
		return &executor.Result{}, nil
	}}
	b := &CommandBuilder{Project: "project", Workspace: ws, Runner: r}
	_, err := b.Build(context.Background(), win64(), "1.23")
	require.NoError(t, err)
	assert.NoFileExists(t, stale)
}

func TestBuildInterpreterMissing(t *testing.T) {
	old := lookPath
	lookPath = func(string) (string, error) { return "", exec.ErrNotFound }
	t.Cleanup(func() { lookPath = old })

	r := &fakeRunner{fn: func(executor.Command) (*executor.Result, error) {
		t.Fatal("toolchain must not run without an interpreter")
		return nil, nil
	}}
	b := &CommandBuilder{Project: "project", Workspace: t.TempDir(), Runner: r}
	_, err := b.Build(context.Background(), win64(), "1.23")
	assert.ErrorIs(t, err, relerr.ErrToolchainUnavailable)
}

func TestBuildFailureKeepsDiagnostic(t *testing.T) {
	allowAllTools(t)
	res := &executor.Result{Stderr: []byte("SyntaxError: bad\n"), ExitCode: 1}
	r := &fakeRunner{fn: func(executor.Command) (*executor.Result, error) {
		return res, &executor.ExitError{Result: res, Err: errors.New("exit status 1")}
	}}
	b := &CommandBuilder{Project: "project", Workspace: t.TempDir(), Runner: r}

	_, err := b.Build(context.Background(), win64(), "1.23")
	require.ErrorIs(t, err, relerr.ErrBuildFailed)
	assert.Equal(t, "SyntaxError: bad\n", relerr.Diagnostic(err))
}

func TestBuildTimeoutIsToolchainUnavailable(t *testing.T) {
	allowAllTools(t)
	r := &fakeRunner{fn: func(executor.Command) (*executor.Result, error) {
		return &executor.Result{}, fmt.Errorf("interrupted: %w", context.DeadlineExceeded)
	}}
	b := &CommandBuilder{Project: "project", Workspace: t.TempDir(), Runner: r}
	_, err := b.Build(context.Background(), win64(), "1.23")
	assert.ErrorIs(t, err, relerr.ErrToolchainUnavailable)
}

func TestBuildWithoutTreeFails(t *testing.T) {
	allowAllTools(t)
	r := &fakeRunner{fn: func(executor.Command) (*executor.Result, error) { return &executor.Result{}, nil }}
	b := &CommandBuilder{Project: "project", Workspace: t.TempDir(), Runner: r}
	_, err := b.Build(context.Background(), win64(), "1.23")
	assert.ErrorIs(t, err, relerr.ErrBuildFailed)
}

func TestBuildRealCommand(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("uses POSIX sh")
	}
	target := config.Target{
		Name:    "generic",
		Profile: config.Profile{Command: `sh -c 'mkdir -p "$RELKIT_OUTDIR" && echo app > "$RELKIT_OUTDIR/gw"'`},
	}
	b := &CommandBuilder{Project: "gw", SourceDir: t.TempDir(), Workspace: t.TempDir(), Runner: &executor.Executor{}}
	tree, err := b.Build(context.Background(), target, "1.0")
	require.NoError(t, err)
	data, err := os.ReadFile(filepath.Join(tree.Dir, "gw"))
	require.NoError(t, err)
	assert.Equal(t, "app\n", string(data))
}
