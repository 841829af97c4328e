package audit

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"lanchat/models"
)

type memoryStore struct {
	mu     sync.Mutex
	events []models.AuditEvent
	err    error
}

func (m *memoryStore) SaveEvent(e models.AuditEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.events = append(m.events, e)
	return nil
}

func TestLogSinkWritesStructuredEntry(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	sink := NewLog(zap.New(core))

	sink.Record(models.AuditEvent{Kind: models.EventSavedOffline, User: "alice", Peer: "bob", Content: "hi"})

	entries := logs.All()
	require.Len(t, entries, 1)
	assert.Equal(t, "Message from 'alice' to 'bob' was saved because the receiver was offline. Content: 'hi'.", entries[0].Message)
	fields := entries[0].ContextMap()
	assert.Equal(t, "saved_offline", fields["kind"])
	assert.Equal(t, "bob", fields["peer"])
}

func TestStoreSinkLogsFailures(t *testing.T) {
	core, logs := observer.New(zap.WarnLevel)
	store := &memoryStore{err: errors.New("disk full")}

	NewStore(store, zap.New(core)).Record(models.AuditEvent{Kind: models.EventLogin, User: "alice"})

	assert.Equal(t, 1, logs.FilterMessage("persist audit event").Len())
}

func TestMultiAndStamped(t *testing.T) {
	a, b := &memoryStore{}, &memoryStore{}
	fixed := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)

	sink := Stamped(Multi{NewStore(a, nil), NewStore(b, nil)}, func() time.Time { return fixed })
	sink.Record(models.AuditEvent{Kind: models.EventServerStart})

	explicit := fixed.Add(time.Hour)
	sink.Record(models.AuditEvent{Kind: models.EventServerStop, At: explicit})

	for _, s := range []*memoryStore{a, b} {
		require.Len(t, s.events, 2)
		assert.Equal(t, fixed, s.events[0].At)
		assert.Equal(t, explicit, s.events[1].At)
	}
}
