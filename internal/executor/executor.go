// Package executor runs external tools (toolchains, test runners) and
// captures their output for diagnostics.
package executor

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"regexp"
	"strings"

	"github.com/kballard/go-shellquote"
)

// ErrToolMissing is returned when the program named by a command line
// cannot be found on PATH.
var ErrToolMissing = errors.New("tool not found")

var varRef = regexp.MustCompile(`\$\{[A-Za-z_][A-Za-z0-9_]*\}`)

// Command is a single tool invocation.
type Command struct {
	// Line is a shell-quoted command line, e.g. `py -3-64 -m cx_Freeze`.
	Line string
	// Vars are substituted for ${NAME} references in each argument after
	// the line has been split, so values containing spaces stay intact.
	Vars map[string]string
	Dir  string
	Env  []string
	// Tee, if set, receives stdout and stderr as the tool runs.
	Tee io.Writer
}

// Result holds the captured output of a finished command.
type Result struct {
	Args     []string
	Stdout   []byte
	Stderr   []byte
	ExitCode int
}

// Output returns stdout followed by stderr, the raw diagnostic of the tool.
func (r *Result) Output() string {
	if r == nil {
		return ""
	}
	return string(r.Stdout) + string(r.Stderr)
}

// ExitError reports a tool that ran and exited with a nonzero status.
type ExitError struct {
	Result *Result
	Err    error
}

func (e *ExitError) Error() string {
	return fmt.Sprintf("command failed: %v (args=%q)", e.Err, e.Result.Args)
}

func (e *ExitError) Unwrap() error { return e.Err }

// Runner is an interface for executing commands. It allows tests to inject
// fake implementations without running real tools.
type Runner interface {
	Run(ctx context.Context, c Command) (*Result, error)
}

// Executor runs commands directly, without a shell.
type Executor struct {
	DryRun  bool
	Verbose bool
	// Out receives dry-run messages; defaults to os.Stdout.
	Out io.Writer
}

// New returns a Runner backed by the real Executor implementation.
func New(dry, verbose bool) Runner {
	return &Executor{DryRun: dry, Verbose: verbose}
}

// Run splits and expands the command line, resolves the program on PATH
// and runs it. A nonzero exit yields *ExitError carrying the captured
// output; a context deadline is returned wrapped so callers can test it
// with errors.Is(err, context.DeadlineExceeded).
func (e *Executor) Run(ctx context.Context, c Command) (*Result, error) {
	args, err := Split(c.Line, c.Vars)
	if err != nil {
		return nil, err
	}
	res := &Result{Args: args}

	if e.DryRun {
		if e.Verbose {
			out := e.Out
			if out == nil {
				out = os.Stdout
			}
			_, _ = fmt.Fprintf(out, "dry-run: %s\n", shellquote.Join(args...))
		}
		return res, nil
	}

	prog, err := exec.LookPath(args[0])
	if err != nil {
		return res, fmt.Errorf("%w: %s", ErrToolMissing, args[0])
	}

	cmd := exec.CommandContext(ctx, prog, args[1:]...)
	cmd.Dir = c.Dir
	if len(c.Env) > 0 {
		cmd.Env = append(os.Environ(), c.Env...)
	}
	var bout, berr bytes.Buffer
	cmd.Stdout = &bout
	cmd.Stderr = &berr
	if c.Tee != nil {
		cmd.Stdout = io.MultiWriter(&bout, c.Tee)
		cmd.Stderr = io.MultiWriter(&berr, c.Tee)
	}

	runErr := cmd.Run()
	res.Stdout = bout.Bytes()
	res.Stderr = berr.Bytes()
	if cmd.ProcessState != nil {
		res.ExitCode = cmd.ProcessState.ExitCode()
	}
	if runErr == nil {
		return res, nil
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return res, fmt.Errorf("command %q interrupted: %w", args[0], ctxErr)
	}
	var exitErr *exec.ExitError
	if errors.As(runErr, &exitErr) {
		return res, &ExitError{Result: res, Err: runErr}
	}
	return res, fmt.Errorf("command failed: %w (args=%q)", runErr, args)
}

// Split sanitizes and validates line, splits it into arguments respecting
// quotes, and expands ${NAME} references from vars in every argument.
// References to names not in vars, and bare $NAME, are left untouched so
// the tool's own shell can still see them.
func Split(line string, vars map[string]string) ([]string, error) {
	line, err := validateAndSanitize(line)
	if err != nil {
		return nil, err
	}
	toks, err := shellquote.Split(line)
	if err != nil {
		return nil, fmt.Errorf("invalid command %q: %w", line, err)
	}
	if len(toks) == 0 {
		return nil, fmt.Errorf("invalid command: empty command line")
	}
	for i, t := range toks {
		toks[i] = varRef.ReplaceAllStringFunc(t, func(ref string) string {
			if v, ok := vars[ref[2:len(ref)-1]]; ok {
				return v
			}
			return ref
		})
	}
	return toks, nil
}

// Program returns the first word of line, the tool that would be run.
func Program(line string) string {
	toks, err := Split(line, nil)
	if err != nil {
		return ""
	}
	return toks[0]
}

// sanitizeCommand normalizes common unicode characters that often get
// inserted by editors (e.g., smart quotes, NBSP, zero-width spaces) and
// converts them to their ASCII equivalents where sensible.
func sanitizeCommand(s string) string {
	r := strings.NewReplacer(
		"\u2018", "'", // left single quote
		"\u2019", "'", // right single quote
		"\u201C", "\"", // left double quote
		"\u201D", "\"", // right double quote
		"\u00A0", " ", // NO-BREAK SPACE
		"\u200B", "", // zero width space
		"\u200E", "", // left-to-right mark
		"\u200F", "", // right-to-left mark
	)
	return strings.Map(func(r rune) rune {
		if r == 0 {
			return -1
		}
		return r
	}, r.Replace(s))
}

func validateAndSanitize(command string) (string, error) {
	command = sanitizeCommand(command)
	if strings.Contains(command, "\n") {
		return "", fmt.Errorf("invalid command: contains newline characters; each command must be a single line")
	}
	if strings.IndexFunc(command, func(r rune) bool { return (r < 32 && r != '\t') || r == 0x7f }) != -1 {
		return "", fmt.Errorf("invalid command: contains control characters; remove non-printable characters")
	}
	return command, nil
}
