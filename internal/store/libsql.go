package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "github.com/tursodatabase/go-libsql"

	"github.com/rendis/conveyor/pkg/schema"
)

// LibSQLStore implements the Store interface using libSQL (embedded SQLite fork).
type LibSQLStore struct {
	db *sql.DB
}

// NewLibSQLStore opens a libSQL database at the given path and returns a Store.
// The path should be a file URI, e.g. "file:/path/to/db.db".
func NewLibSQLStore(dbPath string) (*LibSQLStore, error) {
	db, err := sql.Open("libsql", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open libsql: %w", err)
	}
	db.SetMaxOpenConns(1)

	// Some PRAGMAs return rows so we use QueryRow.
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA temp_store=MEMORY",
	}
	for _, p := range pragmas {
		var result string
		_ = db.QueryRow(p).Scan(&result)
	}

	return &LibSQLStore{db: db}, nil
}

// DB returns the underlying *sql.DB for the event log.
func (s *LibSQLStore) DB() *sql.DB { return s.db }

// Close closes the database.
func (s *LibSQLStore) Close() error { return s.db.Close() }

// Migrate runs all pending database migrations.
func (s *LibSQLStore) Migrate(ctx context.Context) error {
	return runMigrations(ctx, s.db)
}

// --- Pipelines ---

func (s *LibSQLStore) CreatePipeline(ctx context.Context, def *schema.PipelineDefinition) error {
	doc, err := json.Marshal(def)
	if err != nil {
		return fmt.Errorf("marshal pipeline: %w", err)
	}
	tags, err := json.Marshal(nonNilTags(def.Tags))
	if err != nil {
		return fmt.Errorf("marshal tags: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO pipelines (id, version, name, owner, trigger_type, tags, document, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		def.ID, def.Version, def.Name, nullStr(def.Owner), string(def.Trigger.Type),
		string(tags), string(doc), timeOrNow(def.CreatedAt).UnixNano(),
	)
	if isUniqueViolation(err) {
		return schema.NewErrorf(schema.ErrCodeConflict, "pipeline %q version %d already exists", def.ID, def.Version)
	}
	return wrapStoreErr(err, "create pipeline")
}

func (s *LibSQLStore) GetPipeline(ctx context.Context, id string, version int) (*schema.PipelineDefinition, error) {
	var row *sql.Row
	if version <= 0 {
		row = s.db.QueryRowContext(ctx,
			`SELECT document FROM pipelines WHERE id = ? AND deleted_at IS NULL ORDER BY version DESC LIMIT 1`, id)
	} else {
		row = s.db.QueryRowContext(ctx,
			`SELECT document FROM pipelines WHERE id = ? AND version = ?`, id, version)
	}
	var doc string
	err := row.Scan(&doc)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, pipelineNotFound(id, version)
	}
	if err != nil {
		return nil, wrapStoreErr(err, "get pipeline")
	}
	def := &schema.PipelineDefinition{}
	if err := json.Unmarshal([]byte(doc), def); err != nil {
		return nil, fmt.Errorf("unmarshal pipeline: %w", err)
	}
	return def, nil
}

func (s *LibSQLStore) ListPipelines(ctx context.Context, filter schema.PipelineFilter) (*schema.Page[*schema.PipelineDefinition], error) {
	after, err := decodePipelineCursor(filter.Cursor)
	if err != nil {
		return nil, err
	}
	where := []string{
		"p.deleted_at IS NULL",
		"p.version = (SELECT MAX(version) FROM pipelines latest WHERE latest.id = p.id)",
	}
	var args []any

	if after != "" {
		where = append(where, "p.id > ?")
		args = append(args, after)
	}
	if filter.Owner != "" {
		where = append(where, "p.owner = ?")
		args = append(args, filter.Owner)
	}
	if filter.TriggerType != "" {
		where = append(where, "p.trigger_type = ?")
		args = append(args, string(filter.TriggerType))
	}
	if filter.Tag != "" {
		where = append(where, "EXISTS (SELECT 1 FROM json_each(p.tags) WHERE json_each.value = ?)")
		args = append(args, filter.Tag)
	}

	limit := schema.PageLimit(filter.Limit)
	query := "SELECT p.document FROM pipelines p WHERE " + strings.Join(where, " AND ") +
		fmt.Sprintf(" ORDER BY p.id ASC LIMIT %d", limit+1)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, wrapStoreErr(err, "list pipelines")
	}
	defer rows.Close()

	page := &schema.Page[*schema.PipelineDefinition]{Items: []*schema.PipelineDefinition{}}
	for rows.Next() {
		var doc string
		if err := rows.Scan(&doc); err != nil {
			return nil, err
		}
		def := &schema.PipelineDefinition{}
		if err := json.Unmarshal([]byte(doc), def); err != nil {
			return nil, fmt.Errorf("unmarshal pipeline: %w", err)
		}
		page.Items = append(page.Items, def)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(page.Items) > limit {
		page.Items = page.Items[:limit]
		page.NextCursor = encodePipelineCursor(page.Items[limit-1].ID)
	}
	return page, nil
}

func (s *LibSQLStore) DeletePipeline(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE pipelines SET deleted_at = ? WHERE id = ? AND deleted_at IS NULL`,
		time.Now().UTC().UnixNano(), id)
	if err != nil {
		return wrapStoreErr(err, "delete pipeline")
	}
	return checkRowsAffected(res, "pipeline", id)
}

func (s *LibSQLStore) LatestVersion(ctx context.Context, id string) (int, error) {
	var v int
	err := s.db.QueryRowContext(ctx, `SELECT COALESCE(MAX(version), 0) FROM pipelines WHERE id = ?`, id).Scan(&v)
	return v, wrapStoreErr(err, "latest pipeline version")
}

// --- Runs ---

func (s *LibSQLStore) CreateRun(ctx context.Context, run *schema.Run) error {
	doc, err := json.Marshal(run)
	if err != nil {
		return fmt.Errorf("marshal run: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO runs (id, pipeline_id, version, status, triggered_by, parent_run_id, document, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		run.ID, run.PipelineID, run.Version, string(run.Status), nullStr(run.TriggeredBy),
		nullStr(run.ParentRunID), string(doc), timeOrNow(run.CreatedAt).UnixNano(), timeOrNow(run.UpdatedAt).UnixNano(),
	)
	if isUniqueViolation(err) {
		return schema.NewErrorf(schema.ErrCodeConflict, "run %q already exists", run.ID)
	}
	return wrapStoreErr(err, "create run")
}

func (s *LibSQLStore) SaveRun(ctx context.Context, run *schema.Run) error {
	doc, err := json.Marshal(run)
	if err != nil {
		return fmt.Errorf("marshal run: %w", err)
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE runs SET status = ?, document = ?, updated_at = ? WHERE id = ?`,
		string(run.Status), string(doc), timeOrNow(run.UpdatedAt).UnixNano(), run.ID,
	)
	if err != nil {
		return wrapStoreErr(err, "save run")
	}
	return checkRowsAffected(res, "run", run.ID)
}

func (s *LibSQLStore) GetRun(ctx context.Context, id string) (*schema.Run, error) {
	var doc string
	err := s.db.QueryRowContext(ctx, `SELECT document FROM runs WHERE id = ?`, id).Scan(&doc)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storeNotFound("run", id)
	}
	if err != nil {
		return nil, wrapStoreErr(err, "get run")
	}
	return decodeRun(doc)
}

func (s *LibSQLStore) ListRuns(ctx context.Context, pipelineID string, filter schema.RunFilter) (*schema.Page[*schema.Run], error) {
	cur, err := decodeRunCursor(filter.Cursor)
	if err != nil {
		return nil, err
	}
	var where []string
	var args []any

	if pipelineID != "" {
		where = append(where, "pipeline_id = ?")
		args = append(args, pipelineID)
	}
	if filter.Status != "" {
		where = append(where, "status = ?")
		args = append(args, string(filter.Status))
	}
	if filter.TriggeredBy != "" {
		where = append(where, "triggered_by = ?")
		args = append(args, filter.TriggeredBy)
	}
	if cur != nil {
		where = append(where, "(created_at < ? OR (created_at = ? AND id < ?))")
		ns := cur.CreatedAt.UnixNano()
		args = append(args, ns, ns, cur.ID)
	}

	limit := schema.PageLimit(filter.Limit)
	query := "SELECT document FROM runs"
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += fmt.Sprintf(" ORDER BY created_at DESC, id DESC LIMIT %d", limit+1)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, wrapStoreErr(err, "list runs")
	}
	defer rows.Close()

	page := &schema.Page[*schema.Run]{Items: []*schema.Run{}}
	for rows.Next() {
		var doc string
		if err := rows.Scan(&doc); err != nil {
			return nil, err
		}
		run, err := decodeRun(doc)
		if err != nil {
			return nil, err
		}
		page.Items = append(page.Items, run)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(page.Items) > limit {
		page.Items = page.Items[:limit]
		page.NextCursor = encodeRunCursor(page.Items[limit-1])
	}
	return page, nil
}

// --- Events ---

// AppendEvent assigns the next per-run sequence and stores the event.
func (s *LibSQLStore) AppendEvent(ctx context.Context, event *Event) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	var seq int64
	err = tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(sequence), 0) + 1 FROM events WHERE run_id = ?`, event.RunID,
	).Scan(&seq)
	if err != nil {
		return fmt.Errorf("get next sequence: %w", err)
	}
	event.Sequence = seq
	event.Timestamp = timeOrNow(event.Timestamp)

	res, err := tx.ExecContext(ctx,
		`INSERT INTO events (run_id, step_id, event_type, payload, timestamp, sequence)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		event.RunID, nullStr(event.StepID), event.Type, nullRaw(event.Payload), event.Timestamp.UnixNano(), seq,
	)
	if err != nil {
		return fmt.Errorf("insert event: %w", err)
	}
	if id, err := res.LastInsertId(); err == nil {
		event.ID = id
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit event: %w", err)
	}
	return nil
}

// GetEvents returns events for a run with sequence > since, ordered by sequence.
func (s *LibSQLStore) GetEvents(ctx context.Context, runID string, since int64) ([]*Event, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, run_id, step_id, event_type, payload, timestamp, sequence
		 FROM events WHERE run_id = ? AND sequence > ? ORDER BY sequence ASC`, runID, since,
	)
	if err != nil {
		return nil, wrapStoreErr(err, "get events")
	}
	defer rows.Close()

	var events []*Event
	for rows.Next() {
		e := &Event{}
		var stepID, payload sql.NullString
		var ts int64
		if err := rows.Scan(&e.ID, &e.RunID, &stepID, &e.Type, &payload, &ts, &e.Sequence); err != nil {
			return nil, err
		}
		e.StepID = stepID.String
		e.Payload = rawOrNil(payload)
		e.Timestamp = time.Unix(0, ts).UTC()
		events = append(events, e)
	}
	return events, rows.Err()
}

// --- Helpers ---

func decodeRun(doc string) (*schema.Run, error) {
	run := &schema.Run{}
	if err := json.Unmarshal([]byte(doc), run); err != nil {
		return nil, fmt.Errorf("unmarshal run: %w", err)
	}
	return run, nil
}

func storeNotFound(resource, id string) *schema.Error {
	return schema.NewErrorf(schema.ErrCodeNotFound, "%s %q not found", resource, id)
}

func pipelineNotFound(id string, version int) *schema.Error {
	if version > 0 {
		return schema.NewErrorf(schema.ErrCodeNotFound, "pipeline %q version %d not found", id, version)
	}
	return storeNotFound("pipeline", id)
}

func checkRowsAffected(res sql.Result, resource, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return storeNotFound(resource, id)
	}
	return nil
}

func wrapStoreErr(err error, op string) error {
	if err == nil {
		return nil
	}
	return schema.NewErrorf(schema.ErrCodeStore, "%s: %s", op, err.Error()).WithCause(err)
}

func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "unique constraint") || strings.Contains(msg, "primary key")
}

func nonNilTags(tags []string) []string {
	if tags == nil {
		return []string{}
	}
	return tags
}

func timeOrNow(t time.Time) time.Time {
	if t.IsZero() {
		return time.Now().UTC()
	}
	return t
}

func nullStr(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullRaw(r json.RawMessage) any {
	if len(r) == 0 {
		return nil
	}
	return string(r)
}

func rawOrNil(ns sql.NullString) json.RawMessage {
	if !ns.Valid || ns.String == "" {
		return nil
	}
	return json.RawMessage(ns.String)
}
