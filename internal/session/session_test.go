// ABOUTME: Tests for the session context manager
// ABOUTME: Covers the no-active-story precondition, overwrite, and session isolation

package session

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/tracker-gateway/internal/kvstore"
)

func newManager(t *testing.T) *Manager {
	t.Helper()
	store := kvstore.NewMemory()
	t.Cleanup(func() { store.Close() })
	return NewManager(store)
}

func TestActiveStory_NoneSet(t *testing.T) {
	m := newManager(t)

	_, err := m.ActiveStory(context.Background(), DefaultID)
	assert.ErrorIs(t, err, ErrNoActiveStory)
}

func TestSetActiveStory_ThenRead(t *testing.T) {
	m := newManager(t)
	ctx := context.Background()

	require.NoError(t, m.SetActiveStory(ctx, DefaultID, "1234"))

	storyID, err := m.ActiveStory(ctx, DefaultID)
	require.NoError(t, err)
	assert.Equal(t, "1234", storyID)
}

func TestSetActiveStory_Overwrites(t *testing.T) {
	m := newManager(t)
	ctx := context.Background()

	require.NoError(t, m.SetActiveStory(ctx, DefaultID, "1234"))
	require.NoError(t, m.SetActiveStory(ctx, DefaultID, "5678"))

	storyID, err := m.ActiveStory(ctx, DefaultID)
	require.NoError(t, err)
	assert.Equal(t, "5678", storyID)
}

func TestSessions_Isolated(t *testing.T) {
	m := newManager(t)
	ctx := context.Background()

	require.NoError(t, m.SetActiveStory(ctx, "session-a", "1234"))

	storyID, err := m.ActiveStory(ctx, "session-a")
	require.NoError(t, err)
	assert.Equal(t, "1234", storyID)

	_, err = m.ActiveStory(ctx, "session-b")
	assert.ErrorIs(t, err, ErrNoActiveStory)
}
