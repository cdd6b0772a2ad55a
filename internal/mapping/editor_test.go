package mapping

import (
	"context"
	"errors"
	"reflect"
	"testing"

	"nlrstudio/internal/domain"
)

type memStore struct {
	docs    map[domain.MappingKey]map[string]string
	loadErr error
	saveErr error
	saves   int
}

func (m *memStore) LoadMapping(ctx context.Context, key domain.MappingKey) (map[string]string, error) {
	if m.loadErr != nil {
		return nil, m.loadErr
	}
	doc, ok := m.docs[key]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return copyMap(doc), nil
}

func (m *memStore) SaveMapping(ctx context.Context, key domain.MappingKey, mapped map[string]string) error {
	m.saves++
	if m.saveErr != nil {
		return m.saveErr
	}
	if m.docs == nil {
		m.docs = map[domain.MappingKey]map[string]string{}
	}
	m.docs[key] = copyMap(mapped)
	return nil
}

var key = domain.MappingKey{CustomerName: "DefaultCustomer", InstanceName: "DefaultInstance", ComponentName: "Worker"}

func TestLoadMissingIsEmpty(t *testing.T) {
	e := NewEditor(&memStore{}, key, nil, nil, 0)
	m, err := e.Load(context.Background())
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(m) != 0 || !e.Loaded() {
		t.Fatalf("expected empty loaded mapping, got %v", m)
	}
}

func TestLoadPropagatesOtherErrors(t *testing.T) {
	e := NewEditor(&memStore{loadErr: errors.New("db down")}, key, nil, nil, 0)
	if _, err := e.Load(context.Background()); err == nil {
		t.Fatalf("expected load error")
	}
}

func TestSetPersistsFullMapping(t *testing.T) {
	st := &memStore{}
	e := NewEditor(st, key, []string{"PersonNumber", "Salary"}, nil, 0)
	if err := e.Set(context.Background(), "PersonNumber", "{EmpId}"); err != nil {
		t.Fatalf("set: %v", err)
	}
	if err := e.Set(context.Background(), "Salary", "{Base} + {Bonus}"); err != nil {
		t.Fatalf("set: %v", err)
	}
	want := map[string]string{"PersonNumber": "{EmpId}", "Salary": "{Base} + {Bonus}"}
	if !reflect.DeepEqual(st.docs[key], want) {
		t.Fatalf("unexpected persisted doc %v", st.docs[key])
	}
	if err := e.Delete(context.Background(), "Salary"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if !reflect.DeepEqual(st.docs[key], map[string]string{"PersonNumber": "{EmpId}"}) {
		t.Fatalf("delete not persisted: %v", st.docs[key])
	}
	if err := e.Delete(context.Background(), "Salary"); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestSetRequiresValues(t *testing.T) {
	st := &memStore{}
	e := NewEditor(st, key, nil, nil, 0)
	if err := e.Set(context.Background(), " ", "x"); !errors.Is(err, ErrBlankAttribute) {
		t.Fatalf("expected ErrBlankAttribute, got %v", err)
	}
	if err := e.Set(context.Background(), "a", "  "); !errors.Is(err, ErrBlankValue) {
		t.Fatalf("expected ErrBlankValue, got %v", err)
	}
	if st.saves != 0 {
		t.Fatalf("expected no persistence, got %d saves", st.saves)
	}
}

func TestSetKeepsChangeOnSaveFailure(t *testing.T) {
	st := &memStore{saveErr: errors.New("backend unavailable")}
	e := NewEditor(st, key, nil, nil, 0)
	if err := e.Set(context.Background(), "Salary", "{Base}"); err == nil {
		t.Fatalf("expected save error")
	}
	if e.Mapping()["Salary"] != "{Base}" {
		t.Fatalf("expected in-memory change kept, got %v", e.Mapping())
	}
}

func TestCandidatesExcludeMappedExceptEditing(t *testing.T) {
	e := NewEditor(&memStore{}, key, []string{"A", "B", "C"}, nil, 0)
	if err := e.Set(context.Background(), "B", "x"); err != nil {
		t.Fatalf("set: %v", err)
	}
	if got := e.Candidates(); !reflect.DeepEqual(got, []string{"A", "C"}) {
		t.Fatalf("unexpected candidates %v", got)
	}
	if _, err := e.Edit("B"); err != nil {
		t.Fatalf("edit: %v", err)
	}
	if got := e.Candidates(); !reflect.DeepEqual(got, []string{"A", "B", "C"}) {
		t.Fatalf("expected edited attribute offered, got %v", got)
	}
	e.Cancel()
	if e.Editing() != "" {
		t.Fatalf("expected cancel to clear editing")
	}
}

func TestClosedEditorIgnoresLoad(t *testing.T) {
	st := &memStore{docs: map[domain.MappingKey]map[string]string{key: {"A": "x"}}}
	e := NewEditor(st, key, nil, nil, 0)
	e.Close()
	if _, err := e.Load(context.Background()); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
	if len(e.Mapping()) != 0 {
		t.Fatalf("closed editor must not apply late load")
	}
}

func TestInsertToken(t *testing.T) {
	v, c := InsertToken("concat( , 'x')", 7, 7, "Name")
	if v != "concat({Name} , 'x')" || c != 13 {
		t.Fatalf("unexpected insertion %q %d", v, c)
	}
}

func TestPager(t *testing.T) {
	p := NewPager(25, 10)
	if p.Visible() != 10 || !p.HasMore() || p.Remaining() != 15 {
		t.Fatalf("unexpected initial pager %+v", p)
	}
	if p.More() != 20 || p.More() != 25 || p.HasMore() {
		t.Fatalf("unexpected paging %+v", p)
	}
	if p.Less() != 10 {
		t.Fatalf("expected collapse to 10, got %d", p.Visible())
	}
	small := NewPager(4, 10)
	if small.Visible() != 4 || small.HasMore() {
		t.Fatalf("unexpected small pager %+v", small)
	}
}

func TestChipSourcePrefersReference(t *testing.T) {
	e := NewEditor(&memStore{}, key, []string{"A"}, []string{"X", "Y"}, 1)
	if got := e.ChipSource(); !reflect.DeepEqual(got, []string{"X", "Y"}) {
		t.Fatalf("unexpected chip source %v", got)
	}
	if e.Chips().Visible() != 1 {
		t.Fatalf("expected increment 1")
	}
}
