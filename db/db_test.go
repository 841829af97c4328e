package db

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"lanchat/models"
)

// setupTestDB opens a database in a temp file that is removed with the test.
func setupTestDB(t *testing.T) *DB {
	t.Helper()

	path := filepath.Join(t.TempDir(), "test.db")
	database, err := New(path)
	require.NoError(t, err)

	t.Cleanup(func() {
		database.Close()
		os.Remove(path)
	})
	return database
}

func testMessage(from, to, content string) models.Message {
	return models.Message{
		ID:      uuid.New(),
		Content: content,
		Sender:  models.User{Username: from, Avatar: []byte{1, 2}},
		Target:  models.Direct(models.User{Username: to}),
		SentAt:  time.Now().UTC(),
	}
}

func TestMailboxDrainOrderAndIdempotence(t *testing.T) {
	database := setupTestDB(t)

	var sent []models.Message
	for i := 0; i < 3; i++ {
		m := testMessage("alice", "bob", fmt.Sprintf("msg %d", i))
		sent = append(sent, m)
		require.NoError(t, database.Enqueue("bob", m))
	}
	require.NoError(t, database.Enqueue("carol", testMessage("alice", "carol", "other")))

	n, err := database.Pending("bob")
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	users, err := database.Users()
	require.NoError(t, err)
	assert.Equal(t, []string{"bob", "carol"}, users)

	got, err := database.Drain("bob")
	require.NoError(t, err)
	require.Len(t, got, 3)
	for i := range sent {
		assert.Equal(t, sent[i].ID, got[i].ID)
		assert.Equal(t, sent[i].Content, got[i].Content)
		assert.Equal(t, "alice", got[i].Sender.Username)
		assert.Equal(t, []byte{1, 2}, got[i].Sender.Avatar)
	}

	again, err := database.Drain("bob")
	require.NoError(t, err)
	assert.Empty(t, again)

	n, err = database.Pending("carol")
	require.NoError(t, err)
	assert.Equal(t, 1, n, "other queues are untouched")
}

func TestMailboxSurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "reopen.db")

	first, err := New(path)
	require.NoError(t, err)
	require.NoError(t, first.Enqueue("bob", testMessage("alice", "bob", "kept")))
	require.NoError(t, first.Close())

	second, err := New(path)
	require.NoError(t, err)
	defer second.Close()

	got, err := second.Drain("bob")
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "kept", got[0].Content)
}

func TestEventsTimeWindow(t *testing.T) {
	database := setupTestDB(t)

	base := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	msgID := uuid.New()
	events := []models.AuditEvent{
		{At: base, Kind: models.EventServerStart},
		{At: base.Add(time.Minute), Kind: models.EventLogin, User: "alice"},
		{At: base.Add(2*time.Minute + 500*time.Millisecond), Kind: models.EventSavedOffline, User: "alice", Peer: "bob", MessageID: msgID, Content: "hi"},
		{At: base.Add(3 * time.Minute), Kind: models.EventLogout, User: "alice"},
	}
	for _, e := range events {
		require.NoError(t, database.SaveEvent(e))
	}

	all, err := database.Events(time.Time{}, time.Time{})
	require.NoError(t, err)
	require.Len(t, all, 4)

	window, err := database.Events(base.Add(time.Minute), base.Add(3*time.Minute))
	require.NoError(t, err)
	require.Len(t, window, 2)
	assert.Equal(t, models.EventLogin, window[0].Kind)
	assert.Equal(t, models.EventSavedOffline, window[1].Kind)
	assert.Equal(t, msgID, window[1].MessageID)
	assert.Equal(t, "bob", window[1].Peer)
	assert.True(t, window[1].At.Equal(events[2].At))
}
