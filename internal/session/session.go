// ABOUTME: Session context manager mapping session ids to the active story
// ABOUTME: Backed by a KV store tier under session-scoped keys

package session

import (
	"context"
	"errors"
	"fmt"

	"github.com/2389/tracker-gateway/internal/kvstore"
)

// DefaultID is used when a caller supplies no session header.
const DefaultID = "default"

// ErrNoActiveStory is returned when a session has no active story recorded.
var ErrNoActiveStory = errors.New("no active story set, call set_story first")

// Manager maps a session id to its currently active story. Sessions are
// created implicitly on the first SetActiveStory call and never deleted;
// lifetime is whatever the backing store tier enforces.
type Manager struct {
	store kvstore.KV
}

// NewManager creates a session manager on the given store tier.
func NewManager(store kvstore.KV) *Manager {
	return &Manager{store: store}
}

func storyKey(sessionID string) string {
	return fmt.Sprintf("session:%s:story", sessionID)
}

// ActiveStory returns the active story id for the session, or
// ErrNoActiveStory if none has been set.
func (m *Manager) ActiveStory(ctx context.Context, sessionID string) (string, error) {
	storyID, ok, err := m.store.Get(ctx, storyKey(sessionID))
	if err != nil {
		return "", fmt.Errorf("reading session %q: %w", sessionID, err)
	}
	if !ok || storyID == "" {
		return "", ErrNoActiveStory
	}
	return storyID, nil
}

// SetActiveStory records storyID as the session's active story,
// overwriting any previous value.
func (m *Manager) SetActiveStory(ctx context.Context, sessionID, storyID string) error {
	if err := m.store.Put(ctx, storyKey(sessionID), storyID, 0); err != nil {
		return fmt.Errorf("writing session %q: %w", sessionID, err)
	}
	return nil
}
