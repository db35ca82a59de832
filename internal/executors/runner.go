package executors

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"time"

	"github.com/rendis/conveyor/pkg/schema"
)

const (
	defaultInterpreter   = "sh"
	defaultMaxOutputSize = 10 * 1024 * 1024 // 10MB
	processWaitDelay     = 5 * time.Second
)

// SpawnRequest describes a script process.
type SpawnRequest struct {
	Script      string
	Interpreter string
	Env         map[string]string
	Cwd         string
	Timeout     time.Duration
}

// SpawnResult is what a finished process left behind.
type SpawnResult struct {
	ExitCode int
	Stdout   string
	Stderr   string
	Duration time.Duration
}

// Runner spawns script processes.
type Runner interface {
	Spawn(ctx context.Context, req SpawnRequest) (*SpawnResult, error)
}

// ProcessRunner runs scripts as local subprocesses in their own process
// group. The host environment is not inherited: only PATH and the declared
// variables are passed.
type ProcessRunner struct {
	MaxOutputSize int64
}

// NewProcessRunner creates a ProcessRunner with the default output limit.
func NewProcessRunner() *ProcessRunner {
	return &ProcessRunner{MaxOutputSize: defaultMaxOutputSize}
}

// interpreterFlags maps interpreters to the flag that takes inline source.
var interpreterFlags = map[string]string{
	"node": "-e",
	"ruby": "-e",
	"perl": "-e",
}

func (r *ProcessRunner) Spawn(ctx context.Context, req SpawnRequest) (*SpawnResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, schema.Wrap(err, schema.ErrCodeCancelled)
	}
	interp := req.Interpreter
	if interp == "" {
		interp = defaultInterpreter
	}
	flag, ok := interpreterFlags[filepath.Base(interp)]
	if !ok {
		flag = "-c"
	}

	execCtx := ctx
	if req.Timeout > 0 {
		var cancel context.CancelFunc
		execCtx, cancel = context.WithTimeout(ctx, req.Timeout)
		defer cancel()
	}

	cmd := exec.CommandContext(execCtx, interp, flag, req.Script)
	cmd.Dir = req.Cwd
	cmd.Env = scriptEnv(req.Env)
	setProcessGroup(cmd)
	// Kill the whole group on cancellation and allow time for pipe drain.
	cmd.Cancel = func() error { return killProcessGroup(cmd) }
	cmd.WaitDelay = processWaitDelay

	limit := r.MaxOutputSize
	if limit <= 0 {
		limit = defaultMaxOutputSize
	}
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &limitedWriter{w: &stdout, limit: limit}
	cmd.Stderr = &limitedWriter{w: &stderr, limit: limit}

	start := time.Now()
	runErr := cmd.Run()
	res := &SpawnResult{
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		Duration: time.Since(start),
	}

	switch {
	case ctx.Err() != nil:
		return res, schema.NewError(schema.ErrCodeCancelled, "script cancelled").WithCause(ctx.Err())
	case execCtx.Err() == context.DeadlineExceeded:
		return res, schema.NewErrorf(schema.ErrCodeTimeout, "script exceeded timeout of %s", req.Timeout)
	case runErr != nil:
		var exitErr *exec.ExitError
		if errors.As(runErr, &exitErr) {
			res.ExitCode = exitErr.ExitCode()
			return res, nil
		}
		return nil, schema.NewErrorf(schema.ErrCodeExecution, "start script: %s", runErr.Error()).WithCause(runErr)
	}
	return res, nil
}

func scriptEnv(declared map[string]string) []string {
	env := make([]string, 0, len(declared)+1)
	if p, ok := os.LookupEnv("PATH"); ok {
		if _, overridden := declared["PATH"]; !overridden {
			env = append(env, "PATH="+p)
		}
	}
	keys := make([]string, 0, len(declared))
	for k := range declared {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		env = append(env, k+"="+declared[k])
	}
	return env
}

// limitedWriter discards bytes beyond the limit. Write always reports the
// full len(p) so the subprocess never blocks on a full pipe.
type limitedWriter struct {
	w       io.Writer
	limit   int64
	written int64
}

func (lw *limitedWriter) Write(p []byte) (int, error) {
	total := len(p)
	remaining := lw.limit - lw.written
	if remaining <= 0 {
		return total, nil
	}
	if int64(len(p)) > remaining {
		p = p[:remaining]
	}
	n, err := lw.w.Write(p)
	lw.written += int64(n)
	if err != nil {
		return total, err
	}
	return total, nil
}

var _ Runner = (*ProcessRunner)(nil)
