package validation

import (
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/rendis/conveyor/internal/sandbox"
	"github.com/rendis/conveyor/internal/trigger"
	"github.com/rendis/conveyor/pkg/schema"
)

// checkers bundles the static analyzers used by the semantic stage.
type checkers struct {
	sandbox *sandbox.Sandbox
	jq      interface{ Check(string) error }
	filters *trigger.FilterEngine
}

// validateSemantic checks trigger settings, step references and every typed
// step configuration. decoded receives the configs that decoded cleanly.
func validateSemantic(def *schema.PipelineDefinition, c *checkers, decoded map[string]schema.StepConfig) *schema.ValidationResult {
	result := &schema.ValidationResult{}

	validateTrigger(def.Trigger, c, result)

	for key := range def.ContextDefaults {
		if _, err := sandbox.ParsePath(key); err != nil || strings.ContainsAny(key, ".[") {
			result.AddErrorf("contextDefaults."+key, schema.ErrCodeSandboxViolation, "context key %q must be a plain identifier", key)
		}
	}
	validateRetry(def.RetryPolicy, "retryPolicy", result)

	stepIDs := make(map[string]bool, len(def.Steps))
	for i, s := range def.Steps {
		if s.ID == "" {
			continue
		}
		if stepIDs[s.ID] {
			result.AddErrorf(fmt.Sprintf("steps[%d].id", i), schema.ErrCodeValidation, "duplicate step id %q", s.ID)
		}
		stepIDs[s.ID] = true
	}

	for i := range def.Steps {
		step := &def.Steps[i]
		path := fmt.Sprintf("steps[%d]", i)

		seen := make(map[string]bool, len(step.DependsOn))
		for j, dep := range step.DependsOn {
			depPath := fmt.Sprintf("%s.dependsOn[%d]", path, j)
			switch {
			case dep == step.ID:
				result.AddErrorf(depPath, schema.ErrCodeCycleDetected, "step %q depends on itself", step.ID)
			case !stepIDs[dep]:
				result.AddErrorf(depPath, schema.ErrCodeValidation, "references non-existent step %q", dep)
			case seen[dep]:
				result.AddErrorf(depPath, schema.ErrCodeValidation, "duplicate dependency %q", dep)
			}
			seen[dep] = true
		}

		if step.Condition != "" {
			addErr(result, path+".condition", c.sandbox.Check(step.Condition, sandbox.ScopeCondition))
		}
		validateRetry(step.RetryPolicy, path+".retryPolicy", result)

		cfg, err := step.DecodeConfig()
		if err != nil {
			addErr(result, path+".config", err)
			continue
		}
		if _, dup := decoded[step.ID]; !dup {
			decoded[step.ID] = cfg
		}
		validateConfig(def, step, cfg, path+".config", c, result)
	}

	return result
}

func validateTrigger(t schema.Trigger, c *checkers, result *schema.ValidationResult) {
	switch t.Type {
	case "", schema.TriggerManual:
	case schema.TriggerSchedule:
		if t.Config.Schedule == "" {
			result.AddError("trigger.config.schedule", schema.ErrCodeValidation, "schedule trigger requires a cron expression")
		} else if _, err := trigger.ParseSchedule(t.Config.Schedule); err != nil {
			addErr(result, "trigger.config.schedule", err)
		}
	case schema.TriggerWebhook:
		if trigger.NormalizePath(t.Config.Path) == "" {
			result.AddError("trigger.config.path", schema.ErrCodeValidation, "webhook trigger requires a path")
		}
	case schema.TriggerEvent:
		if t.Config.Event == "" {
			result.AddError("trigger.config.event", schema.ErrCodeValidation, "event trigger requires an event type")
		}
		if t.Config.Filter != "" {
			addErr(result, "trigger.config.filter", c.filters.Check(t.Config.Filter))
		}
	default:
		result.AddErrorf("trigger.type", schema.ErrCodeValidation, "unknown trigger type %q", t.Type)
	}
	if t.Type != schema.TriggerEvent && t.Config.Filter != "" {
		result.AddWarning("trigger.config.filter", schema.ErrCodeValidation, "filter is only used by event triggers")
	}
}

func validateRetry(p *schema.RetryPolicy, path string, result *schema.ValidationResult) {
	if p == nil {
		return
	}
	if p.MaxRetries < 0 || p.MaxRetries > schema.MaxRetryLimit {
		result.AddErrorf(path+".maxRetries", schema.ErrCodeValidation, "maxRetries must be between 0 and %d", schema.MaxRetryLimit)
	}
	if p.Multiplier != 0 && p.Multiplier < 1 {
		result.AddError(path+".multiplier", schema.ErrCodeValidation, "multiplier must be at least 1")
	}
	if p.MaxDelay > 0 && p.InitialDelay > p.MaxDelay {
		result.AddWarning(path+".initialDelay", schema.ErrCodeValidation, "initialDelay exceeds maxDelay; every retry waits maxDelay")
	}
	if p.MaxRetries > 0 && p.InitialDelay == 0 {
		result.AddWarning(path+".initialDelay", schema.ErrCodeValidation, "retries without initialDelay run back to back")
	}
}

// validateConfig dispatches on the decoded config type.
func validateConfig(def *schema.PipelineDefinition, step *schema.Step, cfg schema.StepConfig, path string, c *checkers, result *schema.ValidationResult) {
	switch cfg := cfg.(type) {
	case *schema.AgentTaskConfig:
		if strings.TrimSpace(cfg.Prompt) == "" {
			result.AddError(path+".prompt", schema.ErrCodeValidation, "agent_task requires a prompt")
		}
		addErr(result, path+".prompt", sandbox.CheckTemplate(cfg.Prompt))
		checkOutputVariable(cfg.OutputVariable, path, result)

	case *schema.ConditionalConfig:
		if cfg.Condition == "" {
			result.AddError(path+".condition", schema.ErrCodeValidation, "conditional requires a condition")
		} else {
			addErr(result, path+".condition", c.sandbox.Check(cfg.Condition, sandbox.ScopeCondition))
		}
		if len(cfg.ThenSteps) == 0 && len(cfg.ElseSteps) == 0 {
			result.AddWarning(path, schema.ErrCodeValidation, "conditional has no branch steps")
		}

	case *schema.ParallelConfig:
		if len(cfg.Steps) == 0 {
			result.AddError(path+".steps", schema.ErrCodeValidation, "parallel requires at least one step")
		}
		if cfg.MaxConcurrency < 0 {
			result.AddError(path+".maxConcurrency", schema.ErrCodeValidation, "maxConcurrency must not be negative")
		}

	case *schema.ApprovalConfig:
		validateApproval(cfg, path, result)

	case *schema.ScriptConfig:
		if strings.TrimSpace(cfg.Script) == "" {
			result.AddError(path+".script", schema.ErrCodeValidation, "script requires a script body")
		}
		for k := range cfg.Env {
			if k == "" || strings.ContainsAny(k, "= \t") {
				result.AddErrorf(path+".env", schema.ErrCodeValidation, "invalid environment variable name %q", k)
			}
		}
		checkOutputVariable(cfg.OutputVariable, path, result)

	case *schema.LoopConfig:
		validateLoop(cfg, path, c, result)

	case *schema.WaitConfig:
		switch cfg.Mode {
		case "", schema.WaitDuration:
			if cfg.Duration <= 0 {
				result.AddError(path+".duration", schema.ErrCodeValidation, "duration wait requires a positive duration")
			}
		case schema.WaitUntil:
			if cfg.Until == nil {
				result.AddError(path+".until", schema.ErrCodeValidation, "until wait requires an instant")
			}
		case schema.WaitWebhook:
		default:
			result.AddErrorf(path+".mode", schema.ErrCodeValidation, "unknown wait mode %q", cfg.Mode)
		}
		checkOutputVariable(cfg.OutputVariable, path, result)

	case *schema.TransformConfig:
		if len(cfg.Operations) == 0 {
			result.AddError(path+".operations", schema.ErrCodeValidation, "transform requires at least one operation")
		}
		for i, op := range cfg.Operations {
			validateTransformOp(op, fmt.Sprintf("%s.operations[%d]", path, i), c, result)
		}

	case *schema.WebhookConfig:
		validateWebhook(cfg, path, c, result)

	case *schema.SubPipelineConfig:
		if cfg.PipelineID == "" {
			result.AddError(path+".pipelineId", schema.ErrCodeValidation, "sub_pipeline requires a pipelineId")
		} else if cfg.PipelineID == def.ID {
			result.AddErrorf(path+".pipelineId", schema.ErrCodeRecursivePipeline, "step %q invokes its own pipeline", step.ID)
		}
		if cfg.Version < 0 {
			result.AddError(path+".version", schema.ErrCodeValidation, "version must not be negative")
		}
		for name, src := range cfg.Inputs {
			if name == "" {
				result.AddError(path+".inputs", schema.ErrCodeValidation, "input name must not be empty")
			}
			if _, err := sandbox.ParsePath(src); err != nil {
				addErr(result, path+".inputs."+name, err)
			}
		}
		if !cfg.WaitForCompletion && cfg.OutputVariable != "" {
			result.AddWarning(path+".outputVariable", schema.ErrCodeValidation, "fire-and-forget sub_pipeline only records the child run id")
		}
		checkOutputVariable(cfg.OutputVariable, path, result)
	}
}

func validateApproval(cfg *schema.ApprovalConfig, path string, result *schema.ValidationResult) {
	if cfg.MinApprovals < 0 {
		result.AddError(path+".minApprovals", schema.ErrCodeValidation, "minApprovals must not be negative")
	}
	seen := make(map[string]bool, len(cfg.Approvers))
	for i, a := range cfg.Approvers {
		if strings.TrimSpace(a) == "" {
			result.AddErrorf(fmt.Sprintf("%s.approvers[%d]", path, i), schema.ErrCodeValidation, "approver must not be empty")
		}
		if seen[a] {
			result.AddWarning(fmt.Sprintf("%s.approvers[%d]", path, i), schema.ErrCodeValidation, "duplicate approver "+a)
		}
		seen[a] = true
	}
	if len(seen) > 0 && cfg.MinApprovals > len(seen) {
		result.AddErrorf(path+".minApprovals", schema.ErrCodeValidation,
			"minApprovals %d exceeds the %d eligible approvers", cfg.MinApprovals, len(seen))
	}
	switch cfg.OnTimeout {
	case "", schema.OnTimeoutApprove, schema.OnTimeoutReject, schema.OnTimeoutFail:
	default:
		result.AddErrorf(path+".onTimeout", schema.ErrCodeValidation, "unknown onTimeout policy %q", cfg.OnTimeout)
	}
	if cfg.OnTimeout != "" && cfg.Timeout == 0 {
		result.AddWarning(path+".onTimeout", schema.ErrCodeValidation, "onTimeout has no effect without a timeout")
	}
	addErr(result, path+".message", sandbox.CheckTemplate(cfg.Message))
	checkOutputVariable(cfg.OutputVariable, path, result)
}

func validateLoop(cfg *schema.LoopConfig, path string, c *checkers, result *schema.ValidationResult) {
	if len(cfg.Steps) == 0 {
		result.AddError(path+".steps", schema.ErrCodeValidation, "loop requires at least one step")
	}
	switch cfg.Mode {
	case "", schema.LoopForEach:
		if cfg.Source == "" {
			result.AddError(path+".source", schema.ErrCodeValidation, "for_each loop requires a source path")
		} else if _, err := sandbox.ParsePath(cfg.Source); err != nil {
			addErr(result, path+".source", err)
		}
	case schema.LoopWhile, schema.LoopUntil:
		if cfg.Condition == "" {
			result.AddErrorf(path+".condition", schema.ErrCodeValidation, "%s loop requires a condition", cfg.Mode)
		} else {
			addErr(result, path+".condition", c.sandbox.Check(cfg.Condition, sandbox.ScopeCondition))
		}
		if cfg.Parallel {
			result.AddErrorf(path+".parallel", schema.ErrCodeValidation, "%s loop cannot run iterations in parallel", cfg.Mode)
		}
	default:
		result.AddErrorf(path+".mode", schema.ErrCodeValidation, "unknown loop mode %q", cfg.Mode)
	}
	if cfg.MaxIterations < 0 {
		result.AddError(path+".maxIterations", schema.ErrCodeValidation, "maxIterations must not be negative")
	} else if cfg.MaxIterations > schema.MaxIterationsLimit {
		result.AddWarning(path+".maxIterations", schema.ErrCodeValidation,
			fmt.Sprintf("maxIterations is capped at %d", schema.MaxIterationsLimit))
	}
	if cfg.ParallelLimit < 0 {
		result.AddError(path+".parallelLimit", schema.ErrCodeValidation, "parallelLimit must not be negative")
	}
	checkOutputVariable(cfg.OutputVariable, path, result)
}

func validateTransformOp(op schema.TransformOp, path string, c *checkers, result *schema.ValidationResult) {
	requirePath := func(field, value string) {
		if value == "" {
			result.AddErrorf(path+"."+field, schema.ErrCodeValidation, "%s requires %s", op.Op, field)
			return
		}
		if _, err := sandbox.ParsePath(value); err != nil {
			addErr(result, path+"."+field, err)
		}
	}
	optionalPath := func(field, value string) {
		if value != "" {
			requirePath(field, value)
		}
	}
	requireExpr := func(scope sandbox.Scope) {
		if op.Expression == "" {
			result.AddErrorf(path+".expression", schema.ErrCodeValidation, "%s requires an expression", op.Op)
			return
		}
		addErr(result, path+".expression", c.sandbox.Check(op.Expression, scope))
	}

	switch op.Op {
	case schema.OpSet:
		if op.Target == "" && op.Path == "" {
			result.AddError(path+".target", schema.ErrCodeValidation, "set requires target")
		}
		optionalPath("target", op.Target)
		optionalPath("path", op.Path)
		if op.Expression != "" {
			addErr(result, path+".expression", c.sandbox.Check(op.Expression, sandbox.ScopeValue))
		} else if _, err := sandbox.Normalize(op.Value); err != nil {
			addErr(result, path+".value", err)
		}
	case schema.OpDelete:
		if op.Target == "" && op.Path == "" {
			result.AddError(path+".path", schema.ErrCodeValidation, "delete requires path")
		}
		optionalPath("path", op.Path)
		optionalPath("target", op.Target)
	case schema.OpMerge:
		if len(op.Sources) == 0 {
			result.AddError(path+".sources", schema.ErrCodeValidation, "merge requires sources")
		}
		for i, src := range op.Sources {
			requirePath(fmt.Sprintf("sources[%d]", i), src)
		}
		requirePath("target", op.Target)
	case schema.OpMap, schema.OpFilter:
		requirePath("source", op.Source)
		optionalPath("target", op.Target)
		requireExpr(sandbox.ScopeElement)
	case schema.OpReduce:
		requirePath("source", op.Source)
		requirePath("target", op.Target)
		requireExpr(sandbox.ScopeReduce)
		if _, err := sandbox.Normalize(op.Initial); err != nil {
			addErr(result, path+".initial", err)
		}
	case schema.OpExtract:
		requirePath("path", op.Path)
		requirePath("target", op.Target)
	default:
		result.AddErrorf(path+".op", schema.ErrCodeValidation, "unknown transform operation %q", op.Op)
	}
}

var webhookMethods = map[string]bool{
	http.MethodGet: true, http.MethodPost: true, http.MethodPut: true, http.MethodPatch: true,
	http.MethodDelete: true, http.MethodHead: true, http.MethodOptions: true,
}

func validateWebhook(cfg *schema.WebhookConfig, path string, c *checkers, result *schema.ValidationResult) {
	switch {
	case cfg.URL == "":
		result.AddError(path+".url", schema.ErrCodeValidation, "webhook requires a url")
	case len(sandbox.Placeholders(cfg.URL)) > 0:
		addErr(result, path+".url", sandbox.CheckTemplate(cfg.URL))
	default:
		u, err := url.ParseRequestURI(cfg.URL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			result.AddErrorf(path+".url", schema.ErrCodeValidation, "invalid webhook url %q", cfg.URL)
		}
	}

	if cfg.Method != "" && !webhookMethods[strings.ToUpper(cfg.Method)] {
		result.AddErrorf(path+".method", schema.ErrCodeValidation, "unsupported method %q", cfg.Method)
	}
	for name, v := range cfg.Headers {
		addErr(result, path+".headers."+name, sandbox.CheckTemplate(v))
	}
	for _, status := range cfg.ValidateStatus {
		if status < 100 || status > 599 {
			result.AddErrorf(path+".validateStatus", schema.ErrCodeValidation, "invalid status code %d", status)
		}
	}
	for name, query := range cfg.Extract {
		addErr(result, path+".extract."+name, c.jq.Check(query))
	}

	if a := cfg.Auth; a != nil {
		ap := path + ".auth"
		switch a.Type {
		case "", "none":
		case "bearer":
			if a.Token == "" {
				result.AddError(ap+".token", schema.ErrCodeValidation, "bearer auth requires a token")
			}
		case "basic":
			if a.Username == "" {
				result.AddError(ap+".username", schema.ErrCodeValidation, "basic auth requires a username")
			}
		case "api_key":
			if a.Key == "" {
				result.AddError(ap+".key", schema.ErrCodeValidation, "api_key auth requires a key")
			}
		case "oauth2":
			if a.TokenURL == "" || a.ClientID == "" {
				result.AddError(ap, schema.ErrCodeValidation, "oauth2 auth requires tokenUrl and clientId")
			}
		default:
			result.AddErrorf(ap+".type", schema.ErrCodeValidation, "unknown auth type %q", a.Type)
		}
	}
	checkOutputVariable(cfg.OutputVariable, path, result)
}

func checkOutputVariable(v, path string, result *schema.ValidationResult) {
	if v == "" {
		return
	}
	if _, err := sandbox.ParsePath(v); err != nil {
		addErr(result, path+".outputVariable", err)
	}
}

// addErr records err under path, keeping the code of structured errors.
func addErr(result *schema.ValidationResult, path string, err error) {
	if err == nil {
		return
	}
	if se, ok := schema.AsError(err); ok {
		result.AddError(path, se.Code, se.Message)
		return
	}
	result.AddError(path, schema.ErrCodeValidation, err.Error())
}
