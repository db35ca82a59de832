package store

import (
	"context"

	"github.com/rendis/conveyor/pkg/schema"
)

// PipelineStore persists pipeline definitions keyed by (id, version).
type PipelineStore interface {
	// CreatePipeline inserts def at def.Version. Returns CONFLICT if that
	// version already exists.
	CreatePipeline(ctx context.Context, def *schema.PipelineDefinition) error
	// GetPipeline returns one version; version 0 means the latest live one.
	// An explicit version resolves even after the pipeline was deleted.
	GetPipeline(ctx context.Context, id string, version int) (*schema.PipelineDefinition, error)
	// ListPipelines returns the latest version of each live pipeline ordered
	// by id.
	ListPipelines(ctx context.Context, filter schema.PipelineFilter) (*schema.Page[*schema.PipelineDefinition], error)
	// DeletePipeline tombstones every stored version of a pipeline. The
	// versions stay readable by number; the pipeline disappears from latest
	// lookups and listings.
	DeletePipeline(ctx context.Context, id string) error
	// LatestVersion is the highest version ever stored for id, deleted or
	// not; 0 when there is none.
	LatestVersion(ctx context.Context, id string) (int, error)
}

// RunStore persists runs as documents indexed by pipeline and status.
type RunStore interface {
	CreateRun(ctx context.Context, run *schema.Run) error
	// SaveRun replaces the stored document of an existing run.
	SaveRun(ctx context.Context, run *schema.Run) error
	GetRun(ctx context.Context, id string) (*schema.Run, error)
	// ListRuns returns runs newest first. An empty pipelineID lists all runs.
	ListRuns(ctx context.Context, pipelineID string, filter schema.RunFilter) (*schema.Page[*schema.Run], error)
}

// EventStore is the append-only run history.
type EventStore interface {
	AppendEvent(ctx context.Context, event *Event) error
	GetEvents(ctx context.Context, runID string, since int64) ([]*Event, error)
}

// Store defines the persistence layer contract.
// All implementations must be safe for concurrent use.
type Store interface {
	PipelineStore
	RunStore
	EventStore

	// Maintenance
	Migrate(ctx context.Context) error

	// Lifecycle
	Close() error
}
