package executors

import (
	"context"

	"github.com/rendis/conveyor/pkg/schema"
)

// ScriptExecutor runs script steps through a Runner.
type ScriptExecutor struct {
	runner Runner
}

// NewScriptExecutor creates a ScriptExecutor; a nil runner means a local
// ProcessRunner.
func NewScriptExecutor(r Runner) *ScriptExecutor {
	if r == nil {
		r = NewProcessRunner()
	}
	return &ScriptExecutor{runner: r}
}

func (e *ScriptExecutor) Kind() schema.StepType { return schema.StepTypeScript }

func (e *ScriptExecutor) Execute(ctx context.Context, req *Request) (*Outcome, error) {
	cfg, ok := req.Config.(*schema.ScriptConfig)
	if !ok {
		return nil, configMismatch(req, schema.StepTypeScript)
	}

	res, err := e.runner.Spawn(ctx, SpawnRequest{
		Script:      cfg.Script,
		Interpreter: cfg.Interpreter,
		Env:         cfg.Env,
		Cwd:         cfg.Cwd,
		Timeout:     cfg.Timeout.Std(),
	})
	if err != nil {
		out := Failed(asError(err, schema.ErrCodeExecution).WithStep(req.Key()))
		if res != nil {
			out.Output = scriptOutput(res)
		}
		return out, nil
	}

	output := scriptOutput(res)
	if res.ExitCode != 0 {
		out := Failed(schema.NewErrorf(schema.ErrCodeExecution, "script exited with code %d", res.ExitCode).
			WithStep(req.Key()).
			WithDetails(map[string]any{"exitCode": res.ExitCode, "stderr": res.Stderr}))
		out.Output = output
		return out, nil
	}
	return Completed(output), nil
}

func scriptOutput(res *SpawnResult) map[string]any {
	return map[string]any{
		"exitCode": float64(res.ExitCode),
		"stdout":   res.Stdout,
		"stderr":   res.Stderr,
	}
}
