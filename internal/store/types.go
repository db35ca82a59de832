package store

import (
	"encoding/base64"
	"encoding/json"
	"strconv"
	"strings"
	"time"

	"github.com/rendis/conveyor/pkg/schema"
)

// Event is an immutable entry in a run's history.
type Event struct {
	ID        int64           `json:"id"`
	RunID     string          `json:"runId"`
	StepID    string          `json:"stepId,omitempty"`
	Type      string          `json:"eventType"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
	Sequence  int64           `json:"sequence"`
}

// runCursor positions a run listing after (createdAt, id) in
// newest-first order.
type runCursor struct {
	CreatedAt time.Time
	ID        string
}

func encodeRunCursor(run *schema.Run) string {
	raw := strconv.FormatInt(run.CreatedAt.UnixNano(), 10) + "|" + run.ID
	return base64.RawURLEncoding.EncodeToString([]byte(raw))
}

func decodeRunCursor(cursor string) (*runCursor, error) {
	if cursor == "" {
		return nil, nil
	}
	raw, err := base64.RawURLEncoding.DecodeString(cursor)
	if err != nil {
		return nil, invalidCursor(cursor)
	}
	ts, id, ok := strings.Cut(string(raw), "|")
	if !ok || id == "" {
		return nil, invalidCursor(cursor)
	}
	ns, err := strconv.ParseInt(ts, 10, 64)
	if err != nil {
		return nil, invalidCursor(cursor)
	}
	return &runCursor{CreatedAt: time.Unix(0, ns).UTC(), ID: id}, nil
}

// before reports whether run sorts after the cursor in newest-first order.
func (c *runCursor) before(run *schema.Run) bool {
	if c == nil {
		return true
	}
	if !run.CreatedAt.Equal(c.CreatedAt) {
		return run.CreatedAt.Before(c.CreatedAt)
	}
	return run.ID < c.ID
}

func encodePipelineCursor(id string) string {
	return base64.RawURLEncoding.EncodeToString([]byte(id))
}

func decodePipelineCursor(cursor string) (string, error) {
	if cursor == "" {
		return "", nil
	}
	raw, err := base64.RawURLEncoding.DecodeString(cursor)
	if err != nil || len(raw) == 0 {
		return "", invalidCursor(cursor)
	}
	return string(raw), nil
}

func invalidCursor(cursor string) error {
	return schema.NewErrorf(schema.ErrCodeValidation, "invalid cursor %q", cursor)
}

func hasTag(tags []string, tag string) bool {
	for _, t := range tags {
		if t == tag {
			return true
		}
	}
	return false
}
