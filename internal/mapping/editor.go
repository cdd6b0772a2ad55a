// Package mapping edits the attribute mapping document of one
// customer/instance/component.
package mapping

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"nlrstudio/internal/domain"
	"nlrstudio/internal/rules"
)

var (
	ErrBlankAttribute = errors.New("attribute is required")
	ErrBlankValue     = errors.New("mapping value is required")
	ErrClosed         = errors.New("mapping editor closed")
)

// Store persists whole mapping documents. LoadMapping returns domain.ErrNotFound
// when no mapping exists yet.
type Store interface {
	LoadMapping(ctx context.Context, key domain.MappingKey) (map[string]string, error)
	SaveMapping(ctx context.Context, key domain.MappingKey, mapped map[string]string) error
}

// Entry is one mapped attribute.
type Entry struct {
	Attribute string `json:"attribute"`
	Value     string `json:"value"`
}

// Editor holds the in-memory mapping. Every change persists the full document;
// concurrent writers are not serialized and the last completed write wins.
type Editor struct {
	store     Store
	key       domain.MappingKey
	catalog   []string
	reference []string
	increment int

	mu      sync.Mutex
	mapped  map[string]string
	editing string
	loaded  bool
	closed  bool
}

// NewEditor returns an editor for key. catalog lists the attributes that can be
// mapped; reference lists attribute names offered as value tokens.
func NewEditor(store Store, key domain.MappingKey, catalog, reference []string, increment int) *Editor {
	if increment <= 0 {
		increment = DefaultIncrement
	}
	return &Editor{
		store:     store,
		key:       key,
		catalog:   append([]string(nil), catalog...),
		reference: append([]string(nil), reference...),
		increment: increment,
		mapped:    map[string]string{},
	}
}

func (e *Editor) Key() domain.MappingKey { return e.key }

// Load replaces the in-memory mapping with the persisted one. A missing
// document is an empty mapping.
func (e *Editor) Load(ctx context.Context) (map[string]string, error) {
	m, err := e.store.LoadMapping(ctx, e.key)
	if err != nil && !errors.Is(err, domain.ErrNotFound) {
		return nil, fmt.Errorf("load mapping: %w", err)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil, ErrClosed
	}
	e.mapped = map[string]string{}
	for k, v := range m {
		e.mapped[k] = v
	}
	e.loaded = true
	return copyMap(e.mapped), nil
}

func (e *Editor) Loaded() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.loaded
}

// Set maps attr to value and persists the full mapping. On persistence failure
// the in-memory change is kept and the error returned.
func (e *Editor) Set(ctx context.Context, attr, value string) error {
	attr = strings.TrimSpace(attr)
	if attr == "" {
		return ErrBlankAttribute
	}
	if strings.TrimSpace(value) == "" {
		return ErrBlankValue
	}
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return ErrClosed
	}
	e.mapped[attr] = value
	if e.editing == attr {
		e.editing = ""
	}
	snapshot := copyMap(e.mapped)
	e.mu.Unlock()
	return e.persist(ctx, snapshot)
}

// Delete removes attr and persists the full mapping.
func (e *Editor) Delete(ctx context.Context, attr string) error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return ErrClosed
	}
	if _, ok := e.mapped[attr]; !ok {
		e.mu.Unlock()
		return fmt.Errorf("attribute %q: %w", attr, domain.ErrNotFound)
	}
	delete(e.mapped, attr)
	if e.editing == attr {
		e.editing = ""
	}
	snapshot := copyMap(e.mapped)
	e.mu.Unlock()
	return e.persist(ctx, snapshot)
}

func (e *Editor) persist(ctx context.Context, snapshot map[string]string) error {
	if err := e.store.SaveMapping(ctx, e.key, snapshot); err != nil {
		return fmt.Errorf("save mapping: %w", err)
	}
	return nil
}

// Edit marks attr as being edited and returns its current value.
func (e *Editor) Edit(attr string) (string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	v, ok := e.mapped[attr]
	if !ok {
		return "", fmt.Errorf("attribute %q: %w", attr, domain.ErrNotFound)
	}
	e.editing = attr
	return v, nil
}

func (e *Editor) Cancel() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.editing = ""
}

func (e *Editor) Editing() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.editing
}

// Candidates lists catalog attributes that are not mapped yet, plus the one being edited.
func (e *Editor) Candidates() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]string, 0, len(e.catalog))
	for _, a := range e.catalog {
		if _, mapped := e.mapped[a]; !mapped || a == e.editing {
			out = append(out, a)
		}
	}
	return out
}

func (e *Editor) Mapping() map[string]string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return copyMap(e.mapped)
}

// Entries returns the mapping sorted by attribute.
func (e *Editor) Entries() []Entry {
	m := e.Mapping()
	out := make([]Entry, 0, len(m))
	for k, v := range m {
		out = append(out, Entry{Attribute: k, Value: v})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Attribute < out[j].Attribute })
	return out
}

// Chips returns a pager over the attribute names offered as value tokens:
// the reference list when present, else the catalog.
func (e *Editor) Chips() *Pager {
	return NewPager(len(e.ChipSource()), e.increment)
}

func (e *Editor) ChipSource() []string {
	if len(e.reference) > 0 {
		return append([]string(nil), e.reference...)
	}
	return append([]string(nil), e.catalog...)
}

// InsertToken splices the token for attr into a mapping value.
func InsertToken(value string, selStart, selEnd int, attr string) (string, int) {
	return rules.Insert(value, selStart, selEnd, rules.Token(attr))
}

// Close makes the editor ignore late loads and reject further changes.
func (e *Editor) Close() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.closed = true
}

func copyMap(m map[string]string) map[string]string {
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
