package store

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/rendis/conveyor/pkg/schema"
)

// EventLog records and replays the ordered history of runs on top of any
// EventStore.
type EventLog struct {
	store EventStore
}

// NewEventLog wraps an EventStore.
func NewEventLog(s EventStore) *EventLog {
	return &EventLog{store: s}
}

// Append stores one event. A nil payload is omitted; anything else is
// marshalled to JSON.
func (el *EventLog) Append(ctx context.Context, runID, stepID, eventType string, payload any) error {
	event := &Event{RunID: runID, StepID: stepID, Type: eventType}
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("marshal %s payload: %w", eventType, err)
		}
		event.Payload = data
	}
	return el.store.AppendEvent(ctx, event)
}

// GetEvents returns events for a run with sequence > since, ordered by sequence.
func (el *EventLog) GetEvents(ctx context.Context, runID string, since int64) ([]*Event, error) {
	return el.store.GetEvents(ctx, runID, since)
}

// StepEventPayload is the payload written with step transitions.
type StepEventPayload struct {
	Attempt int           `json:"attempt,omitempty"`
	Output  any           `json:"output,omitempty"`
	Error   *schema.Error `json:"error,omitempty"`
}

// ReplayEvents rebuilds step states from a run's history. It fails on
// sequence gaps.
func (el *EventLog) ReplayEvents(ctx context.Context, runID string) (map[string]*schema.StepState, error) {
	events, err := el.store.GetEvents(ctx, runID, 0)
	if err != nil {
		return nil, fmt.Errorf("get events for replay: %w", err)
	}

	for i, e := range events {
		expected := int64(i + 1)
		if e.Sequence != expected {
			return nil, schema.NewErrorf(schema.ErrCodeStore,
				"sequence gap in run %s: expected %d, got %d", runID, expected, e.Sequence)
		}
	}

	states := make(map[string]*schema.StepState)
	for _, e := range events {
		if e.StepID == "" {
			continue
		}
		ss, ok := states[e.StepID]
		if !ok {
			ss = &schema.StepState{StepID: e.StepID, Status: schema.StepStatusPending}
			states[e.StepID] = ss
		}

		var payload StepEventPayload
		if len(e.Payload) > 0 {
			_ = json.Unmarshal(e.Payload, &payload)
		}
		ts := e.Timestamp

		switch e.Type {
		case schema.EventStepStarted:
			ss.Status = schema.StepStatusRunning
			ss.Attempts++
			if ss.StartedAt == nil {
				ss.StartedAt = &ts
			}
		case schema.EventStepRetrying:
			ss.LastError = payload.Error
		case schema.EventStepWaiting:
			ss.Status = schema.StepStatusWaiting
		case schema.EventStepCompleted:
			ss.Status = schema.StepStatusCompleted
			ss.Output = payload.Output
			ss.CompletedAt = &ts
		case schema.EventStepFailed:
			ss.Status = schema.StepStatusFailed
			ss.LastError = payload.Error
			ss.CompletedAt = &ts
		case schema.EventStepSkipped:
			ss.Status = schema.StepStatusSkipped
			ss.CompletedAt = &ts
		case schema.EventStepCancelled:
			ss.Status = schema.StepStatusCancelled
			ss.CompletedAt = &ts
		}
	}
	return states, nil
}
