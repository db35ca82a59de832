package executors

import "github.com/rendis/conveyor/internal/sandbox"

// BuiltinConfig carries the pluggable backends of the built-in executors.
type BuiltinConfig struct {
	Sandbox    *sandbox.Sandbox
	Dispatcher Dispatcher
	Runner     Runner
	Webhook    []WebhookOption
}

// NewBuiltinRegistry returns a Registry holding every leaf executor.
func NewBuiltinRegistry(cfg BuiltinConfig) (*Registry, error) {
	sb := cfg.Sandbox
	if sb == nil {
		sb = sandbox.New()
	}
	return NewRegistry(
		NewAgentExecutor(cfg.Dispatcher),
		NewScriptExecutor(cfg.Runner),
		NewWebhookExecutor(cfg.Webhook...),
		NewWaitExecutor(),
		NewApprovalExecutor(),
		NewTransformExecutor(sb),
	)
}
