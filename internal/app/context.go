package app

import (
	"context"
	"errors"
	"fmt"

	"nlrstudio/internal/engine"
	"nlrstudio/internal/repo"
)

// ResolveSession picks the active session. It prefers the override, then the
// most recently updated session. When none exists one is created with the
// configured defaults.
func ResolveSession(ctx context.Context, eng engine.Engine, sessionOverride, actorID string) (string, error) {
	if sessionOverride != "" {
		if _, err := eng.Repo.GetSession(ctx, sessionOverride); err != nil {
			if errors.Is(err, repo.ErrNotFound) {
				return "", fmt.Errorf("session %s not found", sessionOverride)
			}
			return "", err
		}
		return sessionOverride, nil
	}
	sessions, err := eng.Repo.ListSessions(ctx, 1)
	if err != nil {
		return "", err
	}
	if len(sessions) > 0 {
		return sessions[0].ID, nil
	}
	s, err := eng.CreateSession(ctx, engine.SessionCreateOptions{ActorID: actorID})
	if err != nil {
		return "", fmt.Errorf("create session: %w", err)
	}
	return s.ID, nil
}
