package cmd

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/VoxDroid/relkit/internal/assemble"
	"github.com/VoxDroid/relkit/internal/config"
	"github.com/VoxDroid/relkit/internal/db"
	"github.com/VoxDroid/relkit/internal/events"
	"github.com/VoxDroid/relkit/internal/executor"
	"github.com/VoxDroid/relkit/internal/fetch"
	"github.com/VoxDroid/relkit/internal/history"
	"github.com/VoxDroid/relkit/internal/metrics"
	"github.com/VoxDroid/relkit/internal/release"
	"github.com/VoxDroid/relkit/internal/testsuite"
	"github.com/VoxDroid/relkit/internal/toolchain"
	"github.com/VoxDroid/relkit/internal/upload"
	"github.com/VoxDroid/relkit/internal/vcs"
)

// envVersion overrides the derived version.
const envVersion = "RELKIT_VERSION"

// execFactory can be swapped in tests to use a fake runner.
var execFactory = func(dry, verbose bool) executor.Runner {
	return executor.New(dry, verbose)
}

func sourceDir() (string, error) {
	return filepath.Abs(opts.sourceDir)
}

func loadConfig(src string) (*config.Config, error) {
	path := opts.configPath
	if path == "" {
		path = filepath.Join(src, config.DefaultFile)
	}
	return config.ParseConfig(path)
}

func workDir(src string) string {
	if opts.workDir != "" {
		return opts.workDir
	}
	return filepath.Join(src, "build")
}

func outDir(src string) string {
	if opts.outDir != "" {
		return opts.outDir
	}
	return filepath.Join(src, "dist")
}

// toolOutput receives toolchain and test output while it runs.
func toolOutput() io.Writer {
	if slog.Default().Enabled(context.Background(), slog.LevelDebug) {
		return os.Stderr
	}
	return nil
}

func newRunner(dry bool) executor.Runner {
	return execFactory(dry, dry)
}

func newResolver(src string) *vcs.Resolver {
	override := opts.versionOverride
	if override == "" {
		override = os.Getenv(envVersion)
	}
	return &vcs.Resolver{Dir: src, Override: override}
}

func newSuite(cfg *config.Config, src string, runner executor.Runner) *testsuite.Suite {
	return &testsuite.Suite{
		Commands: cfg.Tests,
		Dir:      src,
		Runner:   runner,
		Timeout:  cfg.Timeouts.Tests.Std(),
		Log:      toolOutput(),
	}
}

func newBuilder(cfg *config.Config, src, workspace string, runner executor.Runner) *toolchain.CommandBuilder {
	return &toolchain.CommandBuilder{
		Project:   cfg.Project,
		SourceDir: src,
		Workspace: workspace,
		Runner:    runner,
		Log:       toolOutput(),
	}
}

func newFetcher(cfg *config.Config) *fetch.HTTPFetcher {
	f := fetch.NewHTTPFetcher(cfg.Timeouts.Fetch.Std())
	if cfg.Bundle.SHA256 != "" {
		f.Pins[cfg.Bundle.URL] = cfg.Bundle.SHA256
	}
	return f
}

// app bundles an orchestrator with the resources it holds open.
type app struct {
	orch    *release.Orchestrator
	closers []func() error
}

func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			slog.Warn("failed to release resource", "error", err)
		}
	}
}

func newApp(ctx context.Context, cfg *config.Config, src string) (*app, error) {
	runner := newRunner(false)
	out := outDir(src)
	asm, err := assemble.New(out)
	if err != nil {
		return nil, err
	}
	a := &app{}
	a.orch = &release.Orchestrator{
		Config:  cfg,
		Version: newResolver(src),
		NewBuilder: func(ws string) toolchain.Builder {
			return newBuilder(cfg, src, ws, runner)
		},
		Fetcher:   newFetcher(cfg),
		Assembler: asm,
		Metrics:   metrics.New(),
		WorkDir:   workDir(src),
		OutDir:    out,
	}
	if len(cfg.Tests) > 0 {
		a.orch.Tests = newSuite(cfg, src, runner)
	}

	if cfg.Upload.Bucket == "" {
		slog.InfoContext(ctx, "upload disabled, no bucket configured")
	} else {
		u, err := upload.OpenBucket(ctx, cfg.Upload.Bucket, cfg.Timeouts.Upload.Std())
		if err != nil {
			a.Close()
			return nil, err
		}
		a.orch.Uploader = u
		a.closers = append(a.closers, u.Close)
	}

	n, err := events.Open(ctx, cfg.Events.Topic)
	if err != nil {
		a.Close()
		return nil, err
	}
	a.orch.Events = n
	a.closers = append(a.closers, func() error { return n.Close(ctx) })

	// history is bookkeeping; a broken database must not block a release
	dbConn, err := db.InitDB()
	if err != nil {
		slog.WarnContext(ctx, "run history unavailable", "error", err)
	} else {
		repo := history.NewRepository(dbConn)
		a.orch.History = repo
		a.closers = append(a.closers, repo.Close)
	}
	return a, nil
}

func loadApp(ctx context.Context) (*app, error) {
	src, err := sourceDir()
	if err != nil {
		return nil, err
	}
	cfg, err := loadConfig(src)
	if err != nil {
		return nil, err
	}
	return newApp(ctx, cfg, src)
}

func runRelease(ctx context.Context, w io.Writer, ro release.Options) error {
	a, err := loadApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()
	rep, err := a.orch.Run(ctx, ro)
	if rep == nil {
		return err
	}
	rep.Render(w)
	if err != nil {
		return fmt.Errorf("release run %s failed", rep.RunID)
	}
	return nil
}
