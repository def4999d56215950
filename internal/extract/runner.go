package extract

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"os/exec"
	"strings"
	"time"

	"github.com/swiftai/cv-pipeline/internal/common"
)

// Runner lets us stub external commands in tests.
type Runner interface {
	Run(ctx context.Context, name string, args ...string) (stdout, stderr []byte, err error)
}

type execRunner struct{}

func (execRunner) Run(ctx context.Context, name string, args ...string) ([]byte, []byte, error) {
	start := time.Now()

	cmd := exec.CommandContext(ctx, name, args...)
	var out, errb bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &errb

	err := cmd.Run()
	dur := time.Since(start)

	if err != nil {
		slog.Error("exec failed",
			"cmd", name,
			"args", strings.Join(args, " "),
			"duration_ms", dur.Milliseconds(),
			"error", err,
			"stderr", truncate(errb.String(), 8<<10), // cap at 8KB
		)
		err = classifyExecError(ctx, err)
	} else {
		slog.Debug("exec ok",
			"cmd", name,
			"args", strings.Join(args, " "),
			"duration_ms", dur.Milliseconds(),
			"stdout_bytes", out.Len(),
			"stderr_bytes", errb.Len(),
		)
	}

	return out.Bytes(), errb.Bytes(), err
}

// classifyExecError separates "the engine never ran / was killed" from
// "the engine ran and rejected the input". The former is transient; the
// latter keeps its exit error and stays permanent.
func classifyExecError(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return common.WrapError(common.ErrTimeout, err.Error())
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		if !exitErr.Exited() { // killed by a signal
			return common.WrapError(common.ErrEngineFailure, err.Error())
		}
		return err
	}
	// binary missing, fork failure and friends
	return common.WrapError(common.ErrEngineFailure, err.Error())
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "...(truncated)"
}
