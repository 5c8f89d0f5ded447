package release

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/hashicorp/go-multierror"

	"github.com/VoxDroid/relkit/internal/assemble"
	"github.com/VoxDroid/relkit/internal/events"
	"github.com/VoxDroid/relkit/internal/history"
	"github.com/VoxDroid/relkit/internal/relerr"
)

// Track statuses.
const (
	StatusOK     = "ok"
	StatusFailed = "failed"
)

// TrackResult is the outcome of one track. Each track writes only its own
// result.
type TrackResult struct {
	Name string
	// Step is the last step reached; for a failed track, the failing step.
	Step     string
	Kind     string
	Err      error
	Artifact *assemble.Artifact
	Uploaded bool
	Duration time.Duration
	// Log is the test track's combined output.
	Log string
}

func (tr *TrackResult) fail(step string, err error) {
	tr.Step = step
	tr.Err = err
	tr.Kind = relerr.KindOf(err)
}

// Failed reports whether the track failed.
func (tr *TrackResult) Failed() bool { return tr.Err != nil }

// Status is StatusOK or StatusFailed.
func (tr *TrackResult) Status() string {
	if tr.Failed() {
		return StatusFailed
	}
	return StatusOK
}

// Report is the aggregate outcome of a run.
type Report struct {
	RunID   string
	Project string
	Version string
	// Commit is the source commit hash, if the resolver could read it.
	Commit   string
	Started  time.Time
	Finished time.Time
	// Tests is nil when the test track was skipped.
	Tests *TrackResult
	// Tracks holds the platform tracks in matrix order.
	Tracks []TrackResult
	// Checksums is the path of the SHA256SUMS file, if one was written.
	Checksums string

	checksumErr error
}

func (r *Report) all() []*TrackResult {
	out := make([]*TrackResult, 0, len(r.Tracks)+1)
	if r.Tests != nil {
		out = append(out, r.Tests)
	}
	for i := range r.Tracks {
		out = append(out, &r.Tracks[i])
	}
	return out
}

// Err aggregates every track failure, or returns nil.
func (r *Report) Err() error {
	var merr *multierror.Error
	for _, tr := range r.all() {
		if tr.Err != nil {
			merr = multierror.Append(merr, tr.Err)
		}
	}
	if r.checksumErr != nil {
		merr = multierror.Append(merr, r.checksumErr)
	}
	return merr.ErrorOrNil()
}

// Failed reports whether the run failed: the test track or any platform
// track failed.
func (r *Report) Failed() bool { return r.Err() != nil }

// Failures lists the failed tracks, test track first.
func (r *Report) Failures() []TrackResult {
	var out []TrackResult
	for _, tr := range r.all() {
		if tr.Failed() {
			out = append(out, *tr)
		}
	}
	return out
}

// Artifacts lists the artifacts of the platform tracks that succeeded, in
// matrix order.
func (r *Report) Artifacts() []*assemble.Artifact {
	var out []*assemble.Artifact
	for i := range r.Tracks {
		tr := &r.Tracks[i]
		if !tr.Failed() && tr.Artifact != nil {
			out = append(out, tr.Artifact)
		}
	}
	return out
}

var (
	okStyle   = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#22c55e"))
	failStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#ef4444"))
	keyStyle  = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#94a3b8"))
	headStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#0ea5a4"))
	diagStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#64748b"))
)

// Render prints the report. A successful run lists the version and the
// artifact names; a failed run lists every failed track with its step, its
// error kind and the raw tool output, if any.
func (r *Report) Render(w io.Writer) {
	version := r.Version
	if version == "" {
		version = "unavailable"
	}
	if !r.Failed() {
		fmt.Fprintf(w, "%s %s %s\n", okStyle.Render("release succeeded"), keyStyle.Render("version"), version)
		if arts := r.Artifacts(); len(arts) > 0 {
			fmt.Fprintln(w, headStyle.Render("artifacts"))
			for _, a := range arts {
				fmt.Fprintf(w, "  %s  %s\n", a.Name, a.SHA256)
			}
		}
		if r.Checksums != "" {
			fmt.Fprintf(w, "%s %s\n", keyStyle.Render("checksums"), r.Checksums)
		}
		return
	}
	fmt.Fprintf(w, "%s %s %s %s %s\n",
		failStyle.Render("release failed"), keyStyle.Render("version"), version, keyStyle.Render("run"), r.RunID)
	for _, tr := range r.Failures() {
		fmt.Fprintf(w, "  %-8s %-9s %-21s %v\n", tr.Name, tr.Step, tr.Kind, tr.Err)
		if diag := strings.TrimRight(relerr.Diagnostic(tr.Err), "\n"); diag != "" {
			for _, line := range strings.Split(diag, "\n") {
				fmt.Fprintf(w, "    %s %s\n", diagStyle.Render("|"), line)
			}
		}
	}
	if r.checksumErr != nil {
		fmt.Fprintf(w, "  %v\n", r.checksumErr)
	}
}

func (r *Report) event(tr *TrackResult) events.Event {
	ev := events.Event{
		RunID:      r.RunID,
		Project:    r.Project,
		Version:    r.Version,
		Track:      tr.Name,
		Status:     tr.Status(),
		DurationMS: tr.Duration.Milliseconds(),
	}
	if tr.Failed() {
		ev.Step = tr.Step
		ev.Kind = tr.Kind
	}
	if tr.Artifact != nil {
		ev.Artifact = tr.Artifact.Name
	}
	return ev
}

func (r *Report) historyRun() *history.Run {
	run := &history.Run{
		ID:           r.RunID,
		Project:      r.Project,
		Version:      r.Version,
		SourceCommit: r.Commit,
		StartedAt:    r.Started,
		FinishedAt:   r.Finished,
		Success:      !r.Failed(),
	}
	for _, tr := range r.all() {
		ht := history.Track{
			Name:     tr.Name,
			Status:   tr.Status(),
			Kind:     tr.Kind,
			Duration: tr.Duration,
		}
		if tr.Artifact != nil {
			ht.Artifact = tr.Artifact.Name
			ht.SHA256 = tr.Artifact.SHA256
		}
		run.Tracks = append(run.Tracks, ht)
	}
	return run
}
