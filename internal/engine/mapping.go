package engine

import (
	"context"
	"database/sql"

	"nlrstudio/internal/domain"
	"nlrstudio/internal/events"
	"nlrstudio/internal/mapping"
)

// ChipPage is the visible slice of attribute chips offered as mapping tokens.
type ChipPage struct {
	Attributes []string `json:"attributes"`
	Visible    int      `json:"visible"`
	Total      int      `json:"total"`
	HasMore    bool     `json:"has_more"`
	Remaining  int      `json:"remaining"`
}

// Mapping returns the session's mapping editor, loading it on first use.
func (e Engine) Mapping(ctx context.Context, id string) (*mapping.Editor, error) {
	s, err := e.Session(ctx, id)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	ed := s.editor
	if ed == nil {
		catalog := e.Config.Mapping.Attributes
		if len(catalog) == 0 {
			catalog = s.meta.Headers
		}
		key := domain.MappingKey{
			CustomerName:  s.meta.CustomerName,
			InstanceName:  s.meta.InstanceName,
			ComponentName: s.meta.ComponentName,
		}
		ed = mapping.NewEditor(e.Remote, key, catalog, e.Config.Mapping.ReferenceAttributes, e.Config.Mapping.ChipIncrement)
		s.editor = ed
		s.chips = ed.Chips()
	}
	s.mu.Unlock()
	if !ed.Loaded() {
		if _, err := ed.Load(ctx); err != nil {
			return nil, err
		}
	}
	return ed, nil
}

// ReloadMapping re-reads the mapping document from the backend.
func (e Engine) ReloadMapping(ctx context.Context, id string) ([]mapping.Entry, error) {
	ed, err := e.Mapping(ctx, id)
	if err != nil {
		return nil, err
	}
	if _, err := ed.Load(ctx); err != nil {
		return nil, err
	}
	return ed.Entries(), nil
}

func (e Engine) MappingEntries(ctx context.Context, id string) ([]mapping.Entry, error) {
	ed, err := e.Mapping(ctx, id)
	if err != nil {
		return nil, err
	}
	return ed.Entries(), nil
}

func (e Engine) SetMapping(ctx context.Context, id, attr, value, actorID string) ([]mapping.Entry, error) {
	ed, err := e.Mapping(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := ed.Set(ctx, attr, value); err != nil {
		return ed.Entries(), err
	}
	return ed.Entries(), e.appendEvent(ctx, events.MappingSaved, id, "mapping", attr, actorID, events.EventPayload{"value": value})
}

func (e Engine) DeleteMapping(ctx context.Context, id, attr, actorID string) ([]mapping.Entry, error) {
	ed, err := e.Mapping(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := ed.Delete(ctx, attr); err != nil {
		return ed.Entries(), err
	}
	return ed.Entries(), e.appendEvent(ctx, events.MappingDeleted, id, "mapping", attr, actorID, nil)
}

// EditMapping marks attr as being edited and returns its value.
func (e Engine) EditMapping(ctx context.Context, id, attr string) (string, error) {
	ed, err := e.Mapping(ctx, id)
	if err != nil {
		return "", err
	}
	return ed.Edit(attr)
}

func (e Engine) CancelMappingEdit(ctx context.Context, id string) error {
	ed, err := e.Mapping(ctx, id)
	if err != nil {
		return err
	}
	ed.Cancel()
	return nil
}

func (e Engine) MappingCandidates(ctx context.Context, id string) ([]string, error) {
	ed, err := e.Mapping(ctx, id)
	if err != nil {
		return nil, err
	}
	return ed.Candidates(), nil
}

// Chips pages through the attribute chips. op is "more", "less" or "" to read.
func (e Engine) Chips(ctx context.Context, id, op string) (ChipPage, error) {
	ed, err := e.Mapping(ctx, id)
	if err != nil {
		return ChipPage{}, err
	}
	s, err := e.Session(ctx, id)
	if err != nil {
		return ChipPage{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	source := ed.ChipSource()
	if s.chips == nil || s.chips.Total() != len(source) {
		s.chips = ed.Chips()
	}
	switch op {
	case "more":
		s.chips.More()
	case "less":
		s.chips.Less()
	}
	return ChipPage{
		Attributes: source[:s.chips.Visible()],
		Visible:    s.chips.Visible(),
		Total:      s.chips.Total(),
		HasMore:    s.chips.HasMore(),
		Remaining:  s.chips.Remaining(),
	}, nil
}

func (e Engine) appendEvent(ctx context.Context, evtType, sessionID, entityKind, entityID, actorID string, payload events.EventPayload) error {
	return e.withTx(ctx, func(tx *sql.Tx) error {
		return e.Events.Append(ctx, tx, events.Event{Type: evtType, SessionID: sessionID, EntityKind: entityKind, EntityID: entityID, ActorID: actorOrDefault(actorID), Payload: payload})
	})
}
