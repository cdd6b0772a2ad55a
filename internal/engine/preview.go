package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"nlrstudio/internal/domain"
	"nlrstudio/internal/events"
	"nlrstudio/internal/export"
	"nlrstudio/internal/preview"
	"nlrstudio/internal/remote"
)

// ErrNoGeneratedCode is returned when saving before a successful preview.
var ErrNoGeneratedCode = errors.New("no generated code: run a successful preview first")

func (e Engine) orchestrator(s *Session) *preview.Orchestrator {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.preview == nil {
		s.preview = preview.New(e.Remote)
	}
	return s.preview
}

// Preview validates the session's dataset against its compiled rules and
// records the outcome.
func (e Engine) Preview(ctx context.Context, id, actorID string) (preview.State, error) {
	s, err := e.Session(ctx, id)
	if err != nil {
		return preview.State{}, err
	}
	o := e.orchestrator(s)
	s.mu.Lock()
	in := preview.Input{
		Dataset:   s.dataset,
		Rules:     s.Rules.Rules(),
		Primary:   s.meta.PrimaryAttribute,
		Component: s.meta.ComponentName,
	}
	s.mu.Unlock()
	st, err := o.Start(ctx, in)
	return e.finishPreview(ctx, id, actorID, st, err)
}

// Retry re-sends the last failed preview.
func (e Engine) Retry(ctx context.Context, id, actorID string) (preview.State, error) {
	s, err := e.Session(ctx, id)
	if err != nil {
		return preview.State{}, err
	}
	st, err := e.orchestrator(s).Retry(ctx)
	return e.finishPreview(ctx, id, actorID, st, err)
}

func (e Engine) finishPreview(ctx context.Context, id, actorID string, st preview.State, err error) (preview.State, error) {
	var failure *preview.Failure
	switch {
	case err == nil:
	case errors.As(err, &failure):
	case preview.IsPrecondition(err):
		e.logf("WARN: session %s: preview refused: %v", id, err)
		return st, err
	case errors.Is(err, preview.ErrSuperseded):
		e.logf("session %s: discarded late preview response", id)
		return st, err
	default:
		return st, err
	}

	run := domain.PreviewRun{
		ID:        uuid.NewString(),
		SessionID: id,
		CreatedAt: e.ts(),
	}
	evtType := events.PreviewSucceeded
	payload := events.EventPayload{"attempt": st.Attempt}
	if failure != nil {
		run.Status = string(preview.PhaseFailed)
		run.ErrorKind = string(failure.Kind)
		run.Message = failure.Message
		evtType = events.PreviewFailed
		payload["kind"] = failure.Kind
		payload["status"] = failure.Status
		e.logf("session %s: preview failed (%s): %s", id, failure.Kind, failure.Message)
	} else {
		sum := st.Result.Summary()
		run.Status = string(preview.PhaseSucceeded)
		run.Passed, run.Invalid = sum.Passed, sum.Invalid
		payload["passed"] = sum.Passed
		payload["invalid"] = sum.Invalid
	}
	recErr := e.withTx(ctx, func(tx *sql.Tx) error {
		if err := e.Repo.InsertPreviewRunTx(ctx, tx, run, st.Result); err != nil {
			return fmt.Errorf("record preview run: %w", err)
		}
		return e.Events.Append(ctx, tx, events.Event{Type: evtType, SessionID: id, EntityKind: "preview_run", EntityID: run.ID, ActorID: actorOrDefault(actorID), Payload: payload})
	})
	if recErr != nil {
		return st, recErr
	}
	return st, err
}

// PreviewState returns the live preview state of a session.
func (e Engine) PreviewState(ctx context.Context, id string) (preview.State, error) {
	s, err := e.Session(ctx, id)
	if err != nil {
		return preview.State{}, err
	}
	return e.orchestrator(s).State(), nil
}

// LastResult returns the result of the latest successful preview, falling back
// to the recorded history when the session was restored.
func (e Engine) LastResult(ctx context.Context, id string) (*domain.ValidationResult, error) {
	st, err := e.PreviewState(ctx, id)
	if err != nil {
		return nil, err
	}
	switch st.Phase {
	case preview.PhaseSucceeded:
		return st.Result, nil
	case preview.PhaseIdle:
		return e.Repo.LatestResult(ctx, id)
	}
	return nil, domain.ErrNotFound
}

func (e Engine) PreviewRuns(ctx context.Context, id string, limit int) ([]domain.PreviewRun, error) {
	if _, err := e.Session(ctx, id); err != nil {
		return nil, err
	}
	return e.Repo.ListPreviewRuns(ctx, id, limit)
}

// PassedRowsCSV renders the passed rows of the latest successful preview.
func (e Engine) PassedRowsCSV(ctx context.Context, id string) ([]byte, error) {
	res, err := e.LastResult(ctx, id)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return nil, export.ErrNoRows
		}
		return nil, err
	}
	return export.PassedRowsCSV(res.PassedRows)
}

// SaveRules stores the generated code of the latest successful preview
// together with the rules and returns the saved file name.
func (e Engine) SaveRules(ctx context.Context, id, actorID string) (string, error) {
	s, err := e.Session(ctx, id)
	if err != nil {
		return "", err
	}
	res, err := e.LastResult(ctx, id)
	if err != nil && !errors.Is(err, domain.ErrNotFound) {
		return "", err
	}
	if res == nil || res.GeneratedCode == "" {
		return "", ErrNoGeneratedCode
	}
	meta := s.Meta()
	component := meta.ComponentName
	if component == "" {
		component = remote.DefaultComponent
	}
	name, err := e.Remote.SaveRules(ctx, remote.SaveRulesRequest{
		Code:          res.GeneratedCode,
		ComponentName: component,
		Attribute:     meta.PrimaryAttribute,
		Rules:         s.Rules.Rules(),
		CustomerName:  meta.CustomerName,
		InstanceName:  meta.InstanceName,
	})
	if err != nil {
		return "", fmt.Errorf("save rules: %w", err)
	}
	s.mu.Lock()
	s.meta.SavedFileName = name
	s.meta.UpdatedAt = e.ts()
	updated := s.meta
	s.mu.Unlock()
	err = e.withTx(ctx, func(tx *sql.Tx) error {
		if err := e.Repo.UpdateSessionTx(ctx, tx, updated); err != nil {
			return err
		}
		return e.Events.Append(ctx, tx, events.Event{Type: events.RulesSaved, SessionID: id, EntityKind: "rules", EntityID: id, ActorID: actorOrDefault(actorID), Payload: events.EventPayload{"filename": name}})
	})
	return name, err
}

// FetchResult is the outcome of loading saved rules. On failure the initial
// rules are restored and Error explains why.
type FetchResult struct {
	Rules    []string `json:"rules"`
	Fallback bool     `json:"fallback"`
	Error    string   `json:"error,omitempty"`
}

// FetchRules replaces the rule list with the rules saved for the session's attribute.
func (e Engine) FetchRules(ctx context.Context, id, actorID string) (FetchResult, error) {
	s, err := e.Session(ctx, id)
	if err != nil {
		return FetchResult{}, err
	}
	meta := s.Meta()
	attr := meta.AttributeHint
	if attr == "" {
		attr = meta.PrimaryAttribute
	}
	var out FetchResult
	fetched, fetchErr := e.Remote.FetchRules(ctx, attr)
	switch {
	case fetchErr != nil:
		e.logf("WARN: session %s: fetch rules for %q failed, using initial rules: %v", id, attr, fetchErr)
		s.Rules.Replace(s.initial)
		out.Fallback = true
		out.Error = fetchErr.Error()
	case fetched == nil:
		e.logf("session %s: no saved rules for %q, using initial rules", id, attr)
		s.Rules.Replace(s.initial)
		out.Fallback = true
	default:
		s.Rules.Replace(fetched)
	}
	out.Rules = s.Rules.Rules()
	err = e.withTx(ctx, func(tx *sql.Tx) error {
		if err := e.Repo.ReplaceRulesTx(ctx, tx, id, out.Rules); err != nil {
			return err
		}
		return e.Events.Append(ctx, tx, events.Event{Type: events.RulesFetched, SessionID: id, EntityKind: "rules", EntityID: id, ActorID: actorOrDefault(actorID), Payload: events.EventPayload{
			"attribute": attr,
			"count":     len(out.Rules),
			"fallback":  out.Fallback,
		}})
	})
	return out, err
}
