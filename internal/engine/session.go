package engine

import (
	"sync"

	"nlrstudio/internal/config"
	"nlrstudio/internal/domain"
	"nlrstudio/internal/mapping"
	"nlrstudio/internal/preview"
	"nlrstudio/internal/rules"
)

// Session is the live state of one authoring session: its dataset, rule
// list, preview state and mapping editor.
type Session struct {
	mu      sync.Mutex
	meta    domain.Session
	dataset *domain.Dataset
	initial []string
	preview *preview.Orchestrator
	editor  *mapping.Editor
	chips   *mapping.Pager

	Rules *rules.Store
}

func newSession(meta domain.Session, ds *domain.Dataset, store *rules.Store, cfg *config.Config) *Session {
	var initial []string
	if cfg != nil {
		initial = append(initial, cfg.Defaults.InitialRules...)
	}
	return &Session{
		meta:    meta,
		dataset: ds,
		initial: initial,
		Rules:   store,
	}
}

func (s *Session) Meta() domain.Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	m := s.meta
	m.Headers = append([]string{}, s.meta.Headers...)
	return m
}

func (s *Session) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.preview != nil {
		s.preview.Close()
	}
	if s.editor != nil {
		s.editor.Close()
	}
}

// resetMappingLocked drops the mapping editor so it is rebuilt from the new headers.
func (s *Session) resetMappingLocked() {
	if s.editor != nil {
		s.editor.Close()
	}
	s.editor = nil
	s.chips = nil
}
