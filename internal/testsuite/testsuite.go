// Package testsuite runs the project's test and type-check commands as the
// release run's test track.
package testsuite

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/VoxDroid/relkit/internal/executor"
	"github.com/VoxDroid/relkit/internal/relerr"
)

const op = "test"

// Result is the outcome of a suite run.
type Result struct {
	Passed bool
	// Log holds the combined output of every command that ran.
	Log string
	// Ran counts the commands started.
	Ran int
}

// Suite runs Commands in order and stops at the first failure.
type Suite struct {
	Commands []string
	Dir      string
	Runner   executor.Runner
	Timeout  time.Duration
	// Log, if set, receives command output as it is produced.
	Log io.Writer
}

// Run executes the suite. A failing command returns relerr.ErrTestsFailed
// with the log attached; a missing tool or timeout returns
// relerr.ErrToolchainUnavailable.
func (s *Suite) Run(ctx context.Context) (*Result, error) {
	if s.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.Timeout)
		defer cancel()
	}
	res := &Result{}
	var log bytes.Buffer
	for _, line := range s.Commands {
		res.Ran++
		fmt.Fprintf(&log, "$ %s\n", line)
		slog.InfoContext(ctx, "running test command", "command", line)
		out, err := s.Runner.Run(ctx, executor.Command{Line: line, Dir: s.Dir, Tee: s.Log})
		log.WriteString(out.Output())
		res.Log = log.String()
		if err == nil {
			continue
		}
		switch {
		case errors.Is(err, executor.ErrToolMissing), errors.Is(err, context.DeadlineExceeded):
			return res, relerr.New(relerr.ErrToolchainUnavailable, op, err).WithDiag(res.Log)
		default:
			return res, relerr.New(relerr.ErrTestsFailed, op, fmt.Errorf("%q: %w", line, err)).WithDiag(res.Log)
		}
	}
	res.Passed = true
	res.Log = log.String()
	return res, nil
}
