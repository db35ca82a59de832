package executors

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/rendis/conveyor/pkg/schema"
)

// DefaultSignalTimeout bounds webhook waits that declare no timeout.
const DefaultSignalTimeout = 24 * time.Hour

// WaitExecutor sleeps for a duration or until an instant, or suspends the
// step until a signal carrying its token arrives.
type WaitExecutor struct {
	now func() time.Time
}

// NewWaitExecutor creates a WaitExecutor.
func NewWaitExecutor() *WaitExecutor {
	return &WaitExecutor{now: time.Now}
}

func (e *WaitExecutor) Kind() schema.StepType { return schema.StepTypeWait }

func (e *WaitExecutor) Execute(ctx context.Context, req *Request) (*Outcome, error) {
	cfg, ok := req.Config.(*schema.WaitConfig)
	if !ok {
		return nil, configMismatch(req, schema.StepTypeWait)
	}

	mode := cfg.Mode
	if mode == "" {
		mode = schema.WaitDuration
	}

	var d time.Duration
	switch mode {
	case schema.WaitWebhook:
		timeout := cfg.Timeout.Std()
		if timeout <= 0 {
			timeout = DefaultSignalTimeout
		}
		return Suspended(&Suspension{
			Kind:    SuspendSignal,
			Token:   uuid.NewString(),
			Timeout: timeout,
		}), nil
	case schema.WaitDuration:
		d = cfg.Duration.Std()
	case schema.WaitUntil:
		if cfg.Until == nil {
			return Failed(schema.NewError(schema.ErrCodeValidation, "wait until needs an instant").WithStep(req.Key())), nil
		}
		d = cfg.Until.Sub(e.now())
	default:
		return Failed(schema.NewErrorf(schema.ErrCodeValidation, "unknown wait mode %q", mode).WithStep(req.Key())), nil
	}

	started := e.now()
	if d > 0 {
		if t := cfg.Timeout.Std(); t > 0 && t < d {
			if err := sleep(ctx, t); err != nil {
				return nil, err
			}
			return Failed(schema.NewErrorf(schema.ErrCodeTimeout, "wait of %s exceeded timeout of %s", d, t).WithStep(req.Key())), nil
		}
		if err := sleep(ctx, d); err != nil {
			return nil, err
		}
	}
	return Completed(map[string]any{
		"waitedMs": float64(e.now().Sub(started).Milliseconds()),
	}), nil
}

// sleep blocks for d or until ctx is done.
func sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
