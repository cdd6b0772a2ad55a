package engine

import (
	"context"
	"database/sql"
	"errors"
	"strings"

	"nlrstudio/internal/compiler"
	"nlrstudio/internal/domain"
	"nlrstudio/internal/events"
	"nlrstudio/internal/rules"
)

func (e Engine) ListRules(ctx context.Context, id string) ([]rules.Item, error) {
	s, err := e.Session(ctx, id)
	if err != nil {
		return nil, err
	}
	return s.Rules.Items(), nil
}

// AddRule appends an empty rule and returns its index.
func (e Engine) AddRule(ctx context.Context, id, actorID string) (int, error) {
	s, err := e.Session(ctx, id)
	if err != nil {
		return 0, err
	}
	idx := s.Rules.Append()
	return idx, e.persistRules(ctx, s, actorID, "add", idx)
}

func (e Engine) UpdateRule(ctx context.Context, id string, idx int, text, actorID string) error {
	s, err := e.Session(ctx, id)
	if err != nil {
		return err
	}
	if err := s.Rules.Update(idx, text); err != nil {
		return err
	}
	return e.persistRules(ctx, s, actorID, "update", idx)
}

func (e Engine) RemoveRule(ctx context.Context, id string, idx int, actorID string) error {
	s, err := e.Session(ctx, id)
	if err != nil {
		return err
	}
	if err := s.Rules.Remove(idx); err != nil {
		return err
	}
	return e.persistRules(ctx, s, actorID, "remove", idx)
}

// ReplaceRules swaps the whole rule list.
func (e Engine) ReplaceRules(ctx context.Context, id string, list []string, actorID string) ([]string, error) {
	s, err := e.Session(ctx, id)
	if err != nil {
		return nil, err
	}
	s.Rules.Replace(list)
	return s.Rules.Rules(), e.persistRules(ctx, s, actorID, "replace", -1)
}

// FocusRule makes idx the target of attribute insertion. Focus is not persisted.
func (e Engine) FocusRule(ctx context.Context, id string, idx int) error {
	s, err := e.Session(ctx, id)
	if err != nil {
		return err
	}
	return s.Rules.Focus(idx)
}

// InsertAttribute splices {attr} into rule idx, or into the focused rule when idx is negative.
func (e Engine) InsertAttribute(ctx context.Context, id string, idx, selStart, selEnd int, attr, actorID string) (rules.Insertion, error) {
	if strings.TrimSpace(attr) == "" {
		return rules.Insertion{}, errors.New("attribute is required")
	}
	s, err := e.Session(ctx, id)
	if err != nil {
		return rules.Insertion{}, err
	}
	var ins rules.Insertion
	if idx >= 0 {
		ins, err = s.Rules.InsertAt(idx, selStart, selEnd, attr)
	} else {
		ins, err = s.Rules.InsertAttribute(selStart, selEnd, attr)
	}
	if err != nil {
		return rules.Insertion{}, err
	}
	return ins, e.persistRules(ctx, s, actorID, "insert", ins.Index)
}

// CheckReferences lists attribute tokens that name no header of the current dataset.
func (e Engine) CheckReferences(ctx context.Context, id string) ([]rules.UnknownReference, error) {
	s, err := e.Session(ctx, id)
	if err != nil {
		return nil, err
	}
	return rules.CheckReferences(s.Rules.Rules(), s.Meta().Headers), nil
}

// Compile builds the validation request the next preview would send.
func (e Engine) Compile(ctx context.Context, id string) (domain.ValidationRequest, error) {
	s, err := e.Session(ctx, id)
	if err != nil {
		return domain.ValidationRequest{}, err
	}
	return compiler.Compile(s.Rules.Rules(), s.Meta().PrimaryAttribute), nil
}

func (e Engine) persistRules(ctx context.Context, s *Session, actorID, op string, idx int) error {
	list := s.Rules.Rules()
	id := s.Meta().ID
	return e.withTx(ctx, func(tx *sql.Tx) error {
		if err := e.Repo.ReplaceRulesTx(ctx, tx, id, list); err != nil {
			return err
		}
		payload := events.EventPayload{"op": op, "count": len(list)}
		if idx >= 0 {
			payload["index"] = idx
		}
		return e.Events.Append(ctx, tx, events.Event{Type: events.RulesChanged, SessionID: id, EntityKind: "rules", EntityID: id, ActorID: actorOrDefault(actorID), Payload: payload})
	})
}
