// Package verify runs the build/verify step against a generator's changes.
package verify

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"
	"time"
)

// MaxOutput bounds the captured build output.
const MaxOutput = 100000

// Request is one verify call.
type Request struct {
	JobID   string
	WorkDir string
	Changes string
	Attempt int
}

// Result reports whether the build passed. A failed build is a Result, not
// an error; errors are reserved for the verifier itself breaking.
type Result struct {
	Passed   bool
	Output   string
	Duration time.Duration
}

type Verifier interface {
	Verify(ctx context.Context, req Request) (Result, error)
}

// CommandVerifier runs a configured command in the work dir. The change set
// is written to the command's stdin.
type CommandVerifier struct {
	argv    []string
	timeout time.Duration
}

// NewCommandVerifier parses command into argv. Shell operators and shell
// executables are rejected so the command cannot chain arbitrary programs.
func NewCommandVerifier(command string, timeout time.Duration) (*CommandVerifier, error) {
	argv, err := SplitCommand(command)
	if err != nil {
		return nil, err
	}
	if err := checkExecutable(argv); err != nil {
		return nil, err
	}
	return &CommandVerifier{argv: argv, timeout: timeout}, nil
}

func (v *CommandVerifier) Verify(ctx context.Context, req Request) (Result, error) {
	runCtx := ctx
	if v.timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, v.timeout)
		defer cancel()
	}

	start := time.Now()
	cmd := exec.CommandContext(runCtx, v.argv[0], v.argv[1:]...)
	cmd.Dir = req.WorkDir
	cmd.Stdin = strings.NewReader(req.Changes)
	cmd.Env = append(cmd.Environ(),
		"HEALRUN_JOB_ID="+req.JobID,
		fmt.Sprintf("HEALRUN_ATTEMPT=%d", req.Attempt),
	)
	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out

	err := cmd.Run()
	res := Result{Output: truncate(out.String()), Duration: time.Since(start)}

	switch {
	case err == nil:
		res.Passed = true
	case ctx.Err() != nil:
		return res, ctx.Err()
	case runCtx.Err() != nil:
		res.Output = strings.TrimSpace(res.Output + fmt.Sprintf("\nbuild timed out after %s", v.timeout))
	default:
		var exitErr *exec.ExitError
		if !errors.As(err, &exitErr) {
			return res, fmt.Errorf("run %s: %w", v.argv[0], err)
		}
	}

	slog.Debug("verify finished", "job", req.JobID, "attempt", req.Attempt, "passed", res.Passed, "duration", res.Duration)
	return res, nil
}

func truncate(s string) string {
	if len(s) > MaxOutput {
		return s[:MaxOutput] + "\n... (truncated)"
	}
	return s
}
