// Package release drives a full release run: it resolves the version once,
// runs the test track and every platform track concurrently, and aggregates
// the outcome into a Report.
//
// Tracks never cancel each other. A failing track stops only its own
// remaining steps; the run fails if the test track or any platform track
// failed.
package release

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/VoxDroid/relkit/internal/assemble"
	"github.com/VoxDroid/relkit/internal/config"
	"github.com/VoxDroid/relkit/internal/events"
	"github.com/VoxDroid/relkit/internal/fetch"
	"github.com/VoxDroid/relkit/internal/history"
	"github.com/VoxDroid/relkit/internal/metrics"
	"github.com/VoxDroid/relkit/internal/relerr"
	"github.com/VoxDroid/relkit/internal/testsuite"
	"github.com/VoxDroid/relkit/internal/toolchain"
	"github.com/VoxDroid/relkit/internal/upload"
)

// Steps a track moves through. A failed TrackResult names the step it
// failed in.
const (
	StepVersion  = "version"
	StepTest     = "test"
	StepBuild    = "build"
	StepFetch    = "fetch"
	StepAssemble = "assemble"
	StepUpload   = "upload"
	StepDone     = "done"
)

// TestTrack is the name of the test track in reports.
const TestTrack = "test"

// VersionResolver yields the version string shared by every track.
type VersionResolver interface {
	Resolve(ctx context.Context) (string, error)
}

// HeadReader is implemented by version resolvers that can name the source
// commit a run was built from.
type HeadReader interface {
	Head(ctx context.Context) (string, error)
}

// TestRunner runs the test track.
type TestRunner interface {
	Run(ctx context.Context) (*testsuite.Result, error)
}

// Packager turns a build tree into an artifact.
type Packager interface {
	Assemble(ctx context.Context, tree *toolchain.Tree, bundle assemble.BundleFile, suffix string) (*assemble.Artifact, error)
}

// Options select what a run covers.
type Options struct {
	// Targets restricts the platform matrix; empty means every configured
	// target.
	Targets []string
	// SkipTests omits the test track.
	SkipTests bool
}

// Orchestrator wires the pipeline components together. Uploader, History,
// Metrics and Events are optional.
type Orchestrator struct {
	Config  *config.Config
	Version VersionResolver
	Tests   TestRunner
	// NewBuilder returns a builder writing into the given private workspace.
	NewBuilder func(workspace string) toolchain.Builder
	Fetcher    fetch.Fetcher
	Assembler  Packager
	Uploader   upload.Uploader

	History *history.Repository
	Metrics *metrics.Recorder
	Events  *events.Notifier

	// WorkDir holds one workspace per target.
	WorkDir string
	// OutDir receives the checksum file.
	OutDir string

	now func() time.Time
}

func (o *Orchestrator) clock() time.Time {
	if o.now != nil {
		return o.now()
	}
	return time.Now()
}

// Run executes one release run. The returned error aggregates every track
// failure and is nil only if all tracks succeeded; the Report is returned
// either way once the matrix has been resolved.
func (o *Orchestrator) Run(ctx context.Context, opts Options) (*Report, error) {
	targets, err := o.Config.Matrix(opts.Targets...)
	if err != nil {
		return nil, err
	}
	rep := &Report{
		RunID:   uuid.NewString(),
		Project: o.Config.Project,
		Started: o.clock(),
	}
	log := slog.With("run_id", rep.RunID)
	log.InfoContext(ctx, "release run started", "project", rep.Project, "targets", len(targets), "tests", !opts.SkipTests)

	var g errgroup.Group
	g.SetLimit(max(o.Config.Parallelism, 1))

	if !opts.SkipTests {
		rep.Tests = &TrackResult{Name: TestTrack}
		g.Go(func() error {
			o.runTests(ctx, log, rep.Tests)
			return nil
		})
	}

	if hr, ok := o.Version.(HeadReader); ok {
		if commit, err := hr.Head(ctx); err == nil {
			rep.Commit = commit
		} else {
			log.DebugContext(ctx, "source commit unknown", "error", err)
		}
	}

	version, verr := o.Version.Resolve(ctx)
	if verr == nil {
		rep.Version = version
		log.InfoContext(ctx, "version resolved", "version", version)
	} else {
		log.ErrorContext(ctx, "version unavailable, no platform track can start", "error", verr)
	}

	rep.Tracks = make([]TrackResult, len(targets))
	for i, t := range targets {
		tr := &rep.Tracks[i]
		tr.Name = t.Name
		if verr != nil {
			tr.fail(StepVersion, relerr.WithTarget(verr, t.Name))
			continue
		}
		g.Go(func() error {
			o.runTarget(ctx, log, t, version, tr)
			return nil
		})
	}
	_ = g.Wait()

	rep.Finished = o.clock()
	o.finish(ctx, log, rep)
	if err := rep.Err(); err != nil {
		log.ErrorContext(ctx, "release run failed", "failed_tracks", len(rep.Failures()))
		return rep, err
	}
	log.InfoContext(ctx, "release run succeeded", "version", rep.Version, "artifacts", len(rep.Artifacts()))
	return rep, nil
}

func (o *Orchestrator) runTests(ctx context.Context, log *slog.Logger, tr *TrackResult) {
	start := o.clock()
	defer func() { tr.Duration = o.clock().Sub(start) }()
	log = log.With("track", TestTrack)

	tr.Step = StepTest
	if o.Tests == nil {
		log.InfoContext(ctx, "no test commands configured")
		tr.Step = StepDone
		return
	}
	log.InfoContext(ctx, "track started", "step", StepTest)
	res, err := o.Tests.Run(ctx)
	if res != nil {
		tr.Log = res.Log
	}
	if err != nil {
		o.failTrack(ctx, log, tr, StepTest, relerr.WithTarget(err, TestTrack))
		return
	}
	tr.Step = StepDone
	log.InfoContext(ctx, "track finished")
}

func (o *Orchestrator) runTarget(ctx context.Context, log *slog.Logger, t config.Target, version string, tr *TrackResult) {
	start := o.clock()
	defer func() { tr.Duration = o.clock().Sub(start) }()
	log = log.With("track", t.Name)
	fail := func(step string, err error) {
		o.failTrack(ctx, log, tr, step, relerr.WithTarget(err, t.Name))
	}

	tr.Step = StepBuild
	log.InfoContext(ctx, "track started", "step", StepBuild)
	// every run builds into an empty workspace
	ws := filepath.Join(o.WorkDir, t.Name)
	if err := os.RemoveAll(ws); err != nil {
		fail(StepBuild, relerr.New(relerr.ErrBuildFailed, StepBuild, fmt.Errorf("clear workspace: %w", err)))
		return
	}
	bctx, cancel := withTimeout(ctx, o.Config.Timeouts.Build.Std())
	tree, err := o.NewBuilder(ws).Build(bctx, t, version)
	cancel()
	if err != nil {
		fail(StepBuild, err)
		return
	}

	var bundle assemble.BundleFile
	if t.Windows() {
		tr.Step = StepFetch
		log.InfoContext(ctx, "fetching bundle", "step", StepFetch, "url", t.Bundle.URL, "member", t.Bundle.MemberPath)
		b, err := o.Fetcher.Fetch(ctx, t.Bundle.URL, t.Bundle.MemberPath)
		if err != nil {
			fail(StepFetch, err)
			return
		}
		defer func() {
			if err := b.Close(); err != nil {
				log.WarnContext(ctx, "failed to remove bundle", "error", err)
			}
		}()
		bundle = b
	}

	tr.Step = StepAssemble
	art, err := o.Assembler.Assemble(ctx, tree, bundle, t.Suffix)
	if err != nil {
		fail(StepAssemble, err)
		return
	}
	tr.Artifact = art

	tr.Step = StepUpload
	if o.Uploader == nil {
		log.InfoContext(ctx, "upload disabled", "artifact", art.Name)
	} else {
		if err := o.Uploader.Upload(ctx, o.Config.Upload.Group, art.Path); err != nil {
			fail(StepUpload, err)
			return
		}
		tr.Uploaded = true
	}
	tr.Step = StepDone
	log.InfoContext(ctx, "track finished", "artifact", art.Name, "sha256", art.SHA256)
}

func (o *Orchestrator) failTrack(ctx context.Context, log *slog.Logger, tr *TrackResult, step string, err error) {
	tr.fail(step, err)
	log.ErrorContext(ctx, "track failed", "step", step, "kind", tr.Kind, "error", err)
	if diag := relerr.Diagnostic(err); diag != "" {
		log.ErrorContext(ctx, "track diagnostic", "step", step, "output", diag)
	}
}

// finish writes the checksum file and hands the outcome to history, metrics
// and events. Only the checksum file can fail the run; the rest is
// bookkeeping and is logged.
func (o *Orchestrator) finish(ctx context.Context, log *slog.Logger, rep *Report) {
	if arts := rep.Artifacts(); len(arts) > 0 && o.OutDir != "" {
		p, err := assemble.WriteChecksums(o.OutDir, rep.Project, rep.Version, arts)
		if err != nil {
			rep.checksumErr = fmt.Errorf("write checksums: %w", err)
			log.ErrorContext(ctx, "failed to write checksums", "error", err)
		} else {
			rep.Checksums = p
		}
	}

	for _, tr := range rep.all() {
		if o.Metrics != nil {
			o.Metrics.ObserveTrack(tr.Name, tr.Status(), tr.Kind, tr.Duration)
			if tr.Artifact != nil {
				o.Metrics.ObserveArtifact(tr.Name, tr.Artifact.Size)
			}
		}
		if err := o.Events.Publish(ctx, rep.event(tr)); err != nil {
			log.WarnContext(ctx, "failed to publish event", "track", tr.Name, "error", err)
		}
	}
	if o.Metrics != nil {
		o.Metrics.RunFinished(!rep.Failed(), rep.Finished)
		if p := o.Config.MetricsFile; p != "" {
			if err := o.Metrics.WriteTextfile(p); err != nil {
				log.WarnContext(ctx, "failed to write metrics", "path", p, "error", err)
			}
		}
	}
	if o.History != nil {
		if err := o.History.RecordRun(ctx, rep.historyRun()); err != nil {
			log.WarnContext(ctx, "failed to record run", "error", err)
		}
	}
}

func withTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, d)
}
