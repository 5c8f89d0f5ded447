package testsuite

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/VoxDroid/relkit/internal/executor"
	"github.com/VoxDroid/relkit/internal/relerr"
)

type scriptRunner map[string]error

func (s scriptRunner) Run(_ context.Context, c executor.Command) (*executor.Result, error) {
	res := &executor.Result{Stdout: []byte("output of " + c.Line + "\n")}
	return res, s[c.Line]
}

func TestSuitePasses(t *testing.T) {
	s := &Suite{Commands: []string{"python -m pytest", "python -m mypy src"}, Runner: scriptRunner{}}
	res, err := s.Run(context.Background())
	require.NoError(t, err)
	assert.True(t, res.Passed)
	assert.Equal(t, 2, res.Ran)
	assert.Contains(t, res.Log, "$ python -m mypy src\noutput of python -m mypy src\n")
}

func TestSuiteStopsAtFirstFailure(t *testing.T) {
	s := &Suite{
		Commands: []string{"python -m pytest", "python -m mypy src"},
		Runner:   scriptRunner{"python -m pytest": errors.New("exit status 1")},
	}
	res, err := s.Run(context.Background())
	require.ErrorIs(t, err, relerr.ErrTestsFailed)
	assert.False(t, res.Passed)
	assert.Equal(t, 1, res.Ran)
	assert.Contains(t, relerr.Diagnostic(err), "output of python -m pytest")
}

func TestSuiteMissingTool(t *testing.T) {
	s := &Suite{
		Commands: []string{"tox"},
		Runner:   scriptRunner{"tox": fmt.Errorf("%w: tox", executor.ErrToolMissing)},
	}
	_, err := s.Run(context.Background())
	assert.ErrorIs(t, err, relerr.ErrToolchainUnavailable)
}

func TestSuiteEmptyPasses(t *testing.T) {
	res, err := (&Suite{Runner: scriptRunner{}}).Run(context.Background())
	require.NoError(t, err)
	assert.True(t, res.Passed)
	assert.Zero(t, res.Ran)
}
