// Package rules holds the ordered natural-language rule list of an authoring
// session and the attribute token insertion logic.
package rules

import (
	"errors"
	"sync"
	"unicode/utf8"
)

var (
	ErrLastRule        = errors.New("at least one rule is required")
	ErrIndexOutOfRange = errors.New("rule index out of range")
	ErrNoFocus         = errors.New("no rule is focused")
)

// Item is a rule as shown in a list. Visible is presentation state only.
type Item struct {
	Index   int    `json:"index"`
	Text    string `json:"text"`
	Visible bool   `json:"visible"`
}

// Insertion describes the outcome of splicing an attribute token into a rule.
type Insertion struct {
	Index  int    `json:"index"`
	Text   string `json:"text"`
	Cursor int    `json:"cursor"`
}

// Store is the rule list together with the focused rule and the last known
// cursor of every rule. It is safe for concurrent use.
type Store struct {
	mu      sync.Mutex
	rules   []string
	focused int
	cursors map[int]int
}

// NewStore returns a store seeded with initial. The store always holds at least one rule.
func NewStore(initial ...string) *Store {
	s := &Store{focused: -1, cursors: map[int]int{}}
	s.rules = seed(initial)
	return s
}

func seed(rules []string) []string {
	if len(rules) == 0 {
		return []string{""}
	}
	out := make([]string, len(rules))
	copy(out, rules)
	return out
}

func (s *Store) Rules() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.rules))
	copy(out, s.rules)
	return out
}

func (s *Store) Items() []Item {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Item, len(s.rules))
	for i, text := range s.rules {
		out[i] = Item{Index: i, Text: text, Visible: true}
	}
	return out
}

func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.rules)
}

func (s *Store) Get(i int) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if i < 0 || i >= len(s.rules) {
		return "", ErrIndexOutOfRange
	}
	return s.rules[i], nil
}

// Append adds an empty rule and returns its index.
func (s *Store) Append() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rules = append(s.rules, "")
	return len(s.rules) - 1
}

func (s *Store) Update(i int, text string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if i < 0 || i >= len(s.rules) {
		return ErrIndexOutOfRange
	}
	s.rules[i] = text
	if c, ok := s.cursors[i]; ok && c > utf8.RuneCountInString(text) {
		s.cursors[i] = utf8.RuneCountInString(text)
	}
	return nil
}

// Remove deletes rule i. Later rules shift down along with their cursors.
func (s *Store) Remove(i int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if i < 0 || i >= len(s.rules) {
		return ErrIndexOutOfRange
	}
	if len(s.rules) <= 1 {
		return ErrLastRule
	}
	s.rules = append(s.rules[:i], s.rules[i+1:]...)
	cursors := make(map[int]int, len(s.cursors))
	for idx, c := range s.cursors {
		switch {
		case idx < i:
			cursors[idx] = c
		case idx > i:
			cursors[idx-1] = c
		}
	}
	s.cursors = cursors
	switch {
	case s.focused == i:
		s.focused = -1
	case s.focused > i:
		s.focused--
	}
	return nil
}

// Replace swaps the whole list, for batch loads. Focus and cursors are reset.
func (s *Store) Replace(rules []string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rules = seed(rules)
	s.focused = -1
	s.cursors = map[int]int{}
}

// Focus makes rule i the insertion target.
func (s *Store) Focus(i int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if i < 0 || i >= len(s.rules) {
		return ErrIndexOutOfRange
	}
	s.focused = i
	return nil
}

// Focused returns the focused index, or -1.
func (s *Store) Focused() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.focused
}

// Cursor returns the last recorded cursor of rule i.
func (s *Store) Cursor(i int) (int, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.cursors[i]
	return c, ok
}

// InsertAttribute splices the token for attr into the focused rule, replacing
// the selection [selStart, selEnd).
func (s *Store) InsertAttribute(selStart, selEnd int, attr string) (Insertion, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.focused < 0 || s.focused >= len(s.rules) {
		return Insertion{}, ErrNoFocus
	}
	return s.insertLocked(s.focused, selStart, selEnd, attr), nil
}

// InsertAt focuses rule i and inserts the token for attr there.
func (s *Store) InsertAt(i, selStart, selEnd int, attr string) (Insertion, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if i < 0 || i >= len(s.rules) {
		return Insertion{}, ErrIndexOutOfRange
	}
	s.focused = i
	return s.insertLocked(i, selStart, selEnd, attr), nil
}

func (s *Store) insertLocked(i, selStart, selEnd int, attr string) Insertion {
	text, cursor := Insert(s.rules[i], selStart, selEnd, Token(attr))
	s.rules[i] = text
	s.cursors[i] = cursor
	return Insertion{Index: i, Text: text, Cursor: cursor}
}
