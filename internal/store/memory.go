package store

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/rendis/conveyor/pkg/schema"
)

// MemoryStore is an in-process Store. Documents are deep-copied on the way
// in and out so callers never share state with the store.
type MemoryStore struct {
	mu        sync.RWMutex
	pipelines map[string]map[int]*schema.PipelineDefinition
	// deletedThrough[id] is the highest version tombstoned by a delete.
	deletedThrough map[string]int
	runs           map[string]*schema.Run
	events         map[string][]*Event
	nextEvent      int64
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		pipelines:      make(map[string]map[int]*schema.PipelineDefinition),
		deletedThrough: make(map[string]int),
		runs:           make(map[string]*schema.Run),
		events:         make(map[string][]*Event),
	}
}

// Migrate is a no-op.
func (m *MemoryStore) Migrate(context.Context) error { return nil }

// Close is a no-op.
func (m *MemoryStore) Close() error { return nil }

func (m *MemoryStore) CreatePipeline(_ context.Context, def *schema.PipelineDefinition) error {
	cp, err := clone(def)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	versions, ok := m.pipelines[def.ID]
	if !ok {
		versions = make(map[int]*schema.PipelineDefinition)
		m.pipelines[def.ID] = versions
	}
	if _, exists := versions[def.Version]; exists {
		return schema.NewErrorf(schema.ErrCodeConflict, "pipeline %q version %d already exists", def.ID, def.Version)
	}
	versions[def.Version] = cp
	return nil
}

func (m *MemoryStore) GetPipeline(_ context.Context, id string, version int) (*schema.PipelineDefinition, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	versions := m.pipelines[id]
	if version <= 0 {
		version = m.liveVersionLocked(id)
	}
	def, ok := versions[version]
	if !ok {
		return nil, pipelineNotFound(id, version)
	}
	return clone(def)
}

func (m *MemoryStore) ListPipelines(_ context.Context, filter schema.PipelineFilter) (*schema.Page[*schema.PipelineDefinition], error) {
	after, err := decodePipelineCursor(filter.Cursor)
	if err != nil {
		return nil, err
	}
	m.mu.RLock()
	ids := make([]string, 0, len(m.pipelines))
	for id := range m.pipelines {
		if id > after {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)

	limit := schema.PageLimit(filter.Limit)
	page := &schema.Page[*schema.PipelineDefinition]{Items: []*schema.PipelineDefinition{}}
	for _, id := range ids {
		latest := m.liveVersionLocked(id)
		if latest == 0 {
			continue
		}
		def := m.pipelines[id][latest]
		if filter.Owner != "" && def.Owner != filter.Owner {
			continue
		}
		if filter.TriggerType != "" && def.Trigger.Type != filter.TriggerType {
			continue
		}
		if filter.Tag != "" && !hasTag(def.Tags, filter.Tag) {
			continue
		}
		if len(page.Items) == limit {
			page.NextCursor = encodePipelineCursor(page.Items[limit-1].ID)
			break
		}
		cp, err := clone(def)
		if err != nil {
			m.mu.RUnlock()
			return nil, err
		}
		page.Items = append(page.Items, cp)
	}
	m.mu.RUnlock()
	return page, nil
}

func (m *MemoryStore) DeletePipeline(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	latest := m.liveVersionLocked(id)
	if latest == 0 {
		return storeNotFound("pipeline", id)
	}
	m.deletedThrough[id] = latest
	return nil
}

func (m *MemoryStore) LatestVersion(_ context.Context, id string) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return latestVersion(m.pipelines[id]), nil
}

// liveVersionLocked is the latest version of id not covered by a delete, or 0.
func (m *MemoryStore) liveVersionLocked(id string) int {
	latest := latestVersion(m.pipelines[id])
	if latest <= m.deletedThrough[id] {
		return 0
	}
	return latest
}

func (m *MemoryStore) CreateRun(_ context.Context, run *schema.Run) error {
	cp, err := clone(run)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.runs[run.ID]; exists {
		return schema.NewErrorf(schema.ErrCodeConflict, "run %q already exists", run.ID)
	}
	m.runs[run.ID] = cp
	return nil
}

func (m *MemoryStore) SaveRun(_ context.Context, run *schema.Run) error {
	cp, err := clone(run)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.runs[run.ID]; !exists {
		return storeNotFound("run", run.ID)
	}
	m.runs[run.ID] = cp
	return nil
}

func (m *MemoryStore) GetRun(_ context.Context, id string) (*schema.Run, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	run, ok := m.runs[id]
	if !ok {
		return nil, storeNotFound("run", id)
	}
	return clone(run)
}

func (m *MemoryStore) ListRuns(_ context.Context, pipelineID string, filter schema.RunFilter) (*schema.Page[*schema.Run], error) {
	cur, err := decodeRunCursor(filter.Cursor)
	if err != nil {
		return nil, err
	}
	m.mu.RLock()
	matched := make([]*schema.Run, 0)
	for _, run := range m.runs {
		if pipelineID != "" && run.PipelineID != pipelineID {
			continue
		}
		if filter.Status != "" && run.Status != filter.Status {
			continue
		}
		if filter.TriggeredBy != "" && run.TriggeredBy != filter.TriggeredBy {
			continue
		}
		if !cur.before(run) {
			continue
		}
		matched = append(matched, run)
	}
	sort.Slice(matched, func(i, j int) bool {
		a, b := matched[i], matched[j]
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.After(b.CreatedAt)
		}
		return a.ID > b.ID
	})

	limit := schema.PageLimit(filter.Limit)
	page := &schema.Page[*schema.Run]{Items: []*schema.Run{}}
	for i, run := range matched {
		if i == limit {
			page.NextCursor = encodeRunCursor(page.Items[limit-1])
			break
		}
		cp, err := clone(run)
		if err != nil {
			m.mu.RUnlock()
			return nil, err
		}
		page.Items = append(page.Items, cp)
	}
	m.mu.RUnlock()
	return page, nil
}

func (m *MemoryStore) AppendEvent(_ context.Context, event *Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextEvent++
	event.ID = m.nextEvent
	event.Sequence = int64(len(m.events[event.RunID]) + 1)
	event.Timestamp = timeOrNow(event.Timestamp)
	cp := *event
	m.events[event.RunID] = append(m.events[event.RunID], &cp)
	return nil
}

func (m *MemoryStore) GetEvents(_ context.Context, runID string, since int64) ([]*Event, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*Event
	for _, e := range m.events[runID] {
		if e.Sequence > since {
			cp := *e
			out = append(out, &cp)
		}
	}
	return out, nil
}

func latestVersion(versions map[int]*schema.PipelineDefinition) int {
	latest := 0
	for v := range versions {
		if v > latest {
			latest = v
		}
	}
	return latest
}

// clone deep-copies a document through its JSON form, the same shape the
// libsql store persists.
func clone[T any](v *T) (*T, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("copy document: %w", err)
	}
	out := new(T)
	if err := json.Unmarshal(data, out); err != nil {
		return nil, fmt.Errorf("copy document: %w", err)
	}
	return out, nil
}

var _ Store = (*MemoryStore)(nil)
var _ Store = (*LibSQLStore)(nil)
