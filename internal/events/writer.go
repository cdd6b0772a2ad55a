// Package events appends session activity to the workspace event log.
package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Event types appended by the engine.
const (
	SessionCreated   = "session.created"
	SessionDeleted   = "session.deleted"
	DatasetIngested  = "dataset.ingested"
	DatasetRejected  = "dataset.rejected"
	PrimarySelected  = "primary.selected"
	RulesChanged     = "rules.changed"
	RulesFetched     = "rules.fetched"
	RulesSaved       = "rules.saved"
	PreviewSucceeded = "preview.succeeded"
	PreviewFailed    = "preview.failed"
	MappingSaved     = "mapping.saved"
	MappingDeleted   = "mapping.deleted"
)

var known = map[string]bool{
	SessionCreated:   true,
	SessionDeleted:   true,
	DatasetIngested:  true,
	DatasetRejected:  true,
	PrimarySelected:  true,
	RulesChanged:     true,
	RulesFetched:     true,
	RulesSaved:       true,
	PreviewSucceeded: true,
	PreviewFailed:    true,
	MappingSaved:     true,
	MappingDeleted:   true,
}

var (
	ErrUnknownType = errors.New("unknown event type")
	ErrNoActor     = errors.New("event has no actor")
)

// Known reports whether t is an event type the engine emits.
func Known(t string) bool { return known[t] }

// ValidPattern accepts a known type or a "<group>.*" wildcard over a group
// that has at least one known type.
func ValidPattern(p string) bool {
	if Known(p) {
		return true
	}
	group, ok := strings.CutSuffix(p, ".*")
	if !ok || group == "" {
		return false
	}
	for t := range known {
		if strings.HasPrefix(t, group+".") {
			return true
		}
	}
	return false
}

// Match reports whether t satisfies pattern ("preview.*" matches "preview.failed").
func Match(pattern, t string) bool {
	if pattern == t {
		return true
	}
	group, ok := strings.CutSuffix(pattern, ".*")
	return ok && strings.HasPrefix(t, group+".")
}

// Event is one entry to append. SessionID and EntityID may be empty.
type Event struct {
	Type       string
	SessionID  string
	EntityKind string
	EntityID   string
	ActorID    string
	Payload    EventPayload
}

type EventPayload map[string]any

type Writer struct {
	DB  *sql.DB
	Now func() time.Time
}

// Append writes evt inside tx so it commits with the change it records.
func (w Writer) Append(ctx context.Context, tx *sql.Tx, evt Event) error {
	if !Known(evt.Type) {
		return fmt.Errorf("%w: %q", ErrUnknownType, evt.Type)
	}
	if strings.TrimSpace(evt.ActorID) == "" {
		return ErrNoActor
	}
	now := w.Now
	if now == nil {
		now = time.Now
	}
	payload := evt.Payload
	if payload == nil {
		payload = EventPayload{}
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal %s payload: %w", evt.Type, err)
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO events(ts,type,session_id,entity_kind,entity_id,actor_id,payload_json) VALUES (?,?,?,?,?,?,?)`,
		now().UTC().Format(time.RFC3339), evt.Type, nullable(evt.SessionID), evt.EntityKind, nullable(evt.EntityID), evt.ActorID, string(data))
	return err
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
