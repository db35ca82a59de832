package schema

import "time"

// Run is one execution instance of a PipelineDefinition.
type Run struct {
	ID           string                      `json:"id"`
	PipelineID   string                      `json:"pipelineId"`
	Version      int                         `json:"version"`
	Status       RunStatus                   `json:"status"`
	TriggeredBy  string                      `json:"triggeredBy,omitempty"`
	ParentRunID  string                      `json:"parentRunId,omitempty"`
	ParentStepID string                      `json:"parentStepId,omitempty"`
	Params       map[string]any              `json:"params,omitempty"`
	Context      map[string]any              `json:"context"`
	Steps        map[string]*StepState       `json:"steps"`
	Approvals    map[string]*PendingApproval `json:"approvals,omitempty"`
	WaitTokens   map[string]string           `json:"waitTokens,omitempty"`
	Error        *Error                      `json:"error,omitempty"`
	CreatedAt    time.Time                   `json:"createdAt"`
	StartedAt    *time.Time                  `json:"startedAt,omitempty"`
	UpdatedAt    time.Time                   `json:"updatedAt"`
	CompletedAt  *time.Time                  `json:"completedAt,omitempty"`
}

// StepState is the execution record of one step within a run.
type StepState struct {
	StepID         string          `json:"stepId"`
	Status         StepStatus      `json:"status"`
	Attempts       int             `json:"attempts"`
	LastError      *Error          `json:"lastError,omitempty"`
	AttemptHistory []AttemptRecord `json:"attemptHistory,omitempty"`
	Output         any             `json:"output,omitempty"`
	Iteration      *int            `json:"iteration,omitempty"`
	StartedAt      *time.Time      `json:"startedAt,omitempty"`
	CompletedAt    *time.Time      `json:"completedAt,omitempty"`
}

// AttemptRecord captures one executor invocation.
type AttemptRecord struct {
	Attempt    int       `json:"attempt"`
	Error      string    `json:"error,omitempty"`
	ErrorCode  string    `json:"errorCode,omitempty"`
	StartedAt  time.Time `json:"startedAt"`
	FinishedAt time.Time `json:"finishedAt"`
}

// DecisionValue is an approver's verdict.
type DecisionValue string

const (
	DecisionApproved DecisionValue = "approved"
	DecisionRejected DecisionValue = "rejected"
)

// Decision is submitted by an approver for a pending approval.
type Decision struct {
	Approver string        `json:"approver"`
	Decision DecisionValue `json:"decision"`
	Comment  string        `json:"comment,omitempty"`
	At       time.Time     `json:"at"`
}

// PendingApproval tracks an approval step awaiting decisions.
type PendingApproval struct {
	StepID       string                `json:"stepId"`
	Approvers    []string              `json:"approvers,omitempty"`
	MinApprovals int                   `json:"minApprovals"`
	Message      string                `json:"message,omitempty"`
	Decisions    []Decision            `json:"decisions,omitempty"`
	Timeout      Duration              `json:"timeout,omitempty"`
	OnTimeout    ApprovalTimeoutPolicy `json:"onTimeout"`
	CreatedAt    time.Time             `json:"createdAt"`
	ExpiresAt    *time.Time            `json:"expiresAt,omitempty"`
}

// Eligible reports whether approver may decide on this approval. An empty
// approver set admits anyone.
func (p *PendingApproval) Eligible(approver string) bool {
	if approver == "" {
		return false
	}
	if len(p.Approvers) == 0 {
		return true
	}
	for _, a := range p.Approvers {
		if a == approver {
			return true
		}
	}
	return false
}

// Approvals counts distinct approvers that approved.
func (p *PendingApproval) Approvals() int {
	seen := make(map[string]struct{}, len(p.Decisions))
	for _, d := range p.Decisions {
		if d.Decision == DecisionApproved {
			seen[d.Approver] = struct{}{}
		}
	}
	return len(seen)
}

// HasDecided reports whether approver already submitted a decision.
func (p *PendingApproval) HasDecided(approver string) bool {
	for _, d := range p.Decisions {
		if d.Approver == approver {
			return true
		}
	}
	return false
}

// PipelineFilter narrows ListPipelines results.
type PipelineFilter struct {
	Owner       string      `json:"owner,omitempty"`
	Tag         string      `json:"tag,omitempty"`
	TriggerType TriggerType `json:"triggerType,omitempty"`
	Cursor      string      `json:"cursor,omitempty"`
	Limit       int         `json:"limit,omitempty"`
}

// RunFilter narrows ListRuns results.
type RunFilter struct {
	Status      RunStatus `json:"status,omitempty"`
	TriggeredBy string    `json:"triggeredBy,omitempty"`
	Cursor      string    `json:"cursor,omitempty"`
	Limit       int       `json:"limit,omitempty"`
}

// Default and maximum page sizes for list operations.
const (
	DefaultPageSize = 50
	MaxPageSize     = 500
)

// PageLimit clamps a requested page size.
func PageLimit(limit int) int {
	switch {
	case limit <= 0:
		return DefaultPageSize
	case limit > MaxPageSize:
		return MaxPageSize
	}
	return limit
}

// Page is one page of a cursor-paginated listing.
type Page[T any] struct {
	Items      []T    `json:"items"`
	NextCursor string `json:"nextCursor,omitempty"`
}
