package executors

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/conveyor/pkg/schema"
)

func TestWait_Duration(t *testing.T) {
	e := NewWaitExecutor()
	start := time.Now()
	out, err := e.Execute(context.Background(), newRequest(t, schema.StepTypeWait, &schema.WaitConfig{
		Mode: schema.WaitDuration, Duration: schema.Duration(50 * time.Millisecond),
	}, nil))
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, out.Status)
	assert.GreaterOrEqual(t, time.Since(start), 50*time.Millisecond)
}

func TestWait_CancelAware(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(20*time.Millisecond, cancel)
	_, err := NewWaitExecutor().Execute(ctx, newRequest(t, schema.StepTypeWait, &schema.WaitConfig{
		Duration: schema.Duration(time.Hour),
	}, nil))
	assert.ErrorIs(t, err, context.Canceled)
}

func TestWait_TimeoutShorterThanDuration(t *testing.T) {
	out, err := NewWaitExecutor().Execute(context.Background(), newRequest(t, schema.StepTypeWait, &schema.WaitConfig{
		Duration: schema.Duration(time.Hour), Timeout: schema.Duration(20 * time.Millisecond),
	}, nil))
	require.NoError(t, err)
	require.Equal(t, StatusFailed, out.Status)
	assert.Equal(t, schema.ErrCodeTimeout, out.Error.Code)
}

func TestWait_UntilInThePast(t *testing.T) {
	past := time.Now().Add(-time.Minute)
	out, err := NewWaitExecutor().Execute(context.Background(), newRequest(t, schema.StepTypeWait, &schema.WaitConfig{
		Mode: schema.WaitUntil, Until: &past,
	}, nil))
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, out.Status)
}

func TestWait_WebhookSuspends(t *testing.T) {
	e := NewWaitExecutor()
	out, err := e.Execute(context.Background(), newRequest(t, schema.StepTypeWait, &schema.WaitConfig{Mode: schema.WaitWebhook}, nil))
	require.NoError(t, err)
	require.Equal(t, StatusSuspended, out.Status)
	assert.Equal(t, SuspendSignal, out.Suspension.Kind)
	assert.NotEmpty(t, out.Suspension.Token)
	assert.Equal(t, DefaultSignalTimeout, out.Suspension.Timeout)

	again, err := e.Execute(context.Background(), newRequest(t, schema.StepTypeWait, &schema.WaitConfig{
		Mode: schema.WaitWebhook, Timeout: schema.Duration(time.Minute),
	}, nil))
	require.NoError(t, err)
	assert.NotEqual(t, out.Suspension.Token, again.Suspension.Token)
	assert.Equal(t, time.Minute, again.Suspension.Timeout)
}

func TestApproval_SuspendsWithDefaults(t *testing.T) {
	out, err := NewApprovalExecutor().Execute(context.Background(), newRequest(t, schema.StepTypeApproval, &schema.ApprovalConfig{
		Approvers: []string{"alice", "bob"},
		Message:   "Deploy {{version}}?",
		Timeout:   schema.Duration(time.Hour),
	}, map[string]any{"version": "1.2.3"}))
	require.NoError(t, err)
	require.Equal(t, StatusSuspended, out.Status)

	s := out.Suspension
	assert.Equal(t, SuspendApproval, s.Kind)
	assert.Equal(t, "Deploy 1.2.3?", s.Message)
	assert.Equal(t, time.Hour, s.Timeout)
	assert.Equal(t, 1, s.Approval.MinApprovals)
	assert.Equal(t, schema.OnTimeoutFail, s.Approval.OnTimeout)
	assert.Equal(t, []string{"alice", "bob"}, s.Approval.Approvers)
}
