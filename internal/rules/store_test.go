package rules

import (
	"errors"
	"reflect"
	"testing"
)

func TestInsertAtCursor(t *testing.T) {
	text, cursor := Insert("if > 5", 3, 3, Token("qty"))
	if text != "if {qty}> 5" {
		t.Fatalf("unexpected text %q", text)
	}
	if cursor != 8 {
		t.Fatalf("expected cursor 8, got %d", cursor)
	}
}

func TestInsertReplacesSelection(t *testing.T) {
	text, cursor := Insert("price > 5", 0, 5, Token("amount"))
	if text != "{amount} > 5" || cursor != 8 {
		t.Fatalf("unexpected result %q %d", text, cursor)
	}
	text, cursor = Insert("price > 5", 5, 0, Token("amount"))
	if text != "{amount} > 5" || cursor != 8 {
		t.Fatalf("reversed selection not swapped: %q %d", text, cursor)
	}
}

func TestInsertClampsAndCountsRunes(t *testing.T) {
	text, cursor := Insert("héllo", 99, 99, "{x}")
	if text != "héllo{x}" || cursor != 8 {
		t.Fatalf("unexpected clamp result %q %d", text, cursor)
	}
	text, cursor = Insert("héllo", -4, 2, "{x}")
	if text != "{x}llo" || cursor != 3 {
		t.Fatalf("unexpected rune result %q %d", text, cursor)
	}
}

func TestRemovePreservesOrder(t *testing.T) {
	for remove := 0; remove < 4; remove++ {
		s := NewStore("a", "b", "c", "d")
		if err := s.Remove(remove); err != nil {
			t.Fatalf("remove %d: %v", remove, err)
		}
		want := []string{}
		for i, r := range []string{"a", "b", "c", "d"} {
			if i != remove {
				want = append(want, r)
			}
		}
		if !reflect.DeepEqual(s.Rules(), want) {
			t.Fatalf("remove %d: got %v want %v", remove, s.Rules(), want)
		}
	}
}

func TestRemoveLastRuleRejected(t *testing.T) {
	s := NewStore("only")
	if err := s.Remove(0); !errors.Is(err, ErrLastRule) {
		t.Fatalf("expected ErrLastRule, got %v", err)
	}
	if s.Len() != 1 {
		t.Fatalf("expected list unchanged, got %d", s.Len())
	}
	if err := s.Remove(3); !errors.Is(err, ErrIndexOutOfRange) {
		t.Fatalf("expected out of range, got %v", err)
	}
}

func TestNewStoreAlwaysHasOneRule(t *testing.T) {
	s := NewStore()
	if !reflect.DeepEqual(s.Rules(), []string{""}) {
		t.Fatalf("expected single empty rule, got %v", s.Rules())
	}
	s.Replace(nil)
	if s.Len() != 1 {
		t.Fatalf("expected replace with nothing to keep one rule, got %d", s.Len())
	}
}

func TestAppendReturnsNewIndex(t *testing.T) {
	s := NewStore("a")
	if idx := s.Append(); idx != 1 {
		t.Fatalf("expected index 1, got %d", idx)
	}
	if err := s.Update(1, "b"); err != nil {
		t.Fatalf("update: %v", err)
	}
	if !reflect.DeepEqual(s.Rules(), []string{"a", "b"}) {
		t.Fatalf("unexpected rules %v", s.Rules())
	}
}

func TestInsertAttributeUsesFocus(t *testing.T) {
	s := NewStore("x > 1", "if > 5")
	if _, err := s.InsertAttribute(0, 0, "qty"); !errors.Is(err, ErrNoFocus) {
		t.Fatalf("expected ErrNoFocus, got %v", err)
	}
	if err := s.Focus(1); err != nil {
		t.Fatalf("focus: %v", err)
	}
	ins, err := s.InsertAttribute(3, 3, "qty")
	if err != nil {
		t.Fatalf("insert: %v", err)
	}
	if ins.Index != 1 || ins.Text != "if {qty}> 5" || ins.Cursor != 8 {
		t.Fatalf("unexpected insertion %+v", ins)
	}
	if c, ok := s.Cursor(1); !ok || c != 8 {
		t.Fatalf("cursor not recorded: %d %v", c, ok)
	}
	if r, _ := s.Get(0); r != "x > 1" {
		t.Fatalf("unfocused rule changed: %q", r)
	}
}

func TestRemoveShiftsFocusAndCursors(t *testing.T) {
	s := NewStore("a", "b", "c")
	if _, err := s.InsertAt(2, 1, 1, "z"); err != nil {
		t.Fatalf("insert: %v", err)
	}
	if err := s.Remove(0); err != nil {
		t.Fatalf("remove: %v", err)
	}
	if s.Focused() != 1 {
		t.Fatalf("expected focus to shift to 1, got %d", s.Focused())
	}
	if c, ok := s.Cursor(1); !ok || c != 4 {
		t.Fatalf("expected shifted cursor 4, got %d %v", c, ok)
	}
	if err := s.Remove(1); err != nil {
		t.Fatalf("remove focused: %v", err)
	}
	if s.Focused() != -1 {
		t.Fatalf("expected focus cleared, got %d", s.Focused())
	}
}

func TestCheckReferences(t *testing.T) {
	headers := []string{"PersonNumber", "Salary", "HireDate"}
	unknown := CheckReferences([]string{
		"{Salary} > 0",
		"{Salery} must be positive and {HireDate} is set",
		"{Nothing} like it",
	}, headers)
	if len(unknown) != 2 {
		t.Fatalf("expected 2 unknown references, got %+v", unknown)
	}
	if unknown[0].Rule != 1 || unknown[0].Name != "Salery" || unknown[0].Suggestion != "Salary" {
		t.Fatalf("unexpected first reference %+v", unknown[0])
	}
	if unknown[1].Name != "Nothing" || unknown[1].Suggestion != "" {
		t.Fatalf("unexpected second reference %+v", unknown[1])
	}
}
