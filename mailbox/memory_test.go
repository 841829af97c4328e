package mailbox

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"lanchat/models"
)

func msg(from, to, content string) models.Message {
	return models.Message{
		Content: content,
		Sender:  models.User{Username: from},
		Target:  models.Direct(models.User{Username: to}),
	}
}

func TestMemoryDrainPreservesOrder(t *testing.T) {
	m := NewMemory()
	for i := 0; i < 5; i++ {
		require.NoError(t, m.Enqueue("bob", msg("alice", "bob", fmt.Sprint(i))))
	}

	n, err := m.Pending("bob")
	require.NoError(t, err)
	assert.Equal(t, 5, n)

	got, err := m.Drain("bob")
	require.NoError(t, err)
	require.Len(t, got, 5)
	for i, g := range got {
		assert.Equal(t, fmt.Sprint(i), g.Content)
	}

	again, err := m.Drain("bob")
	require.NoError(t, err)
	assert.Empty(t, again)

	users, err := m.Users()
	require.NoError(t, err)
	assert.Empty(t, users, "drained key must be removed")
}

func TestMemoryQueuesAreIndependent(t *testing.T) {
	m := NewMemory()
	require.NoError(t, m.Enqueue("bob", msg("alice", "bob", "b1")))
	require.NoError(t, m.Enqueue("carol", msg("alice", "carol", "c1")))

	users, err := m.Users()
	require.NoError(t, err)
	assert.Equal(t, []string{"bob", "carol"}, users)

	got, err := m.Drain("bob")
	require.NoError(t, err)
	require.Len(t, got, 1)

	n, err := m.Pending("carol")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestMemoryEnqueueAfterDrainStartsFreshQueue(t *testing.T) {
	m := NewMemory()
	require.NoError(t, m.Enqueue("bob", msg("alice", "bob", "old")))
	_, err := m.Drain("bob")
	require.NoError(t, err)

	require.NoError(t, m.Enqueue("bob", msg("alice", "bob", "new")))
	got, err := m.Drain("bob")
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "new", got[0].Content)
}

// Concurrent enqueues racing with drains: every message comes out exactly once.
func TestMemoryConcurrentEnqueueAndDrain(t *testing.T) {
	m := NewMemory()
	const writers, perWriter = 8, 200

	var wg sync.WaitGroup
	for w := 0; w < writers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < perWriter; i++ {
				_ = m.Enqueue("bob", msg(fmt.Sprint(w), "bob", fmt.Sprint(i)))
			}
		}(w)
	}

	seen := make(map[string]int)
	lastPerWriter := make(map[string]int)
	collect := func(batch []models.Message) {
		for _, g := range batch {
			key := g.Sender.Username + "/" + g.Content
			seen[key]++
			var i int
			fmt.Sscan(g.Content, &i)
			if last, ok := lastPerWriter[g.Sender.Username]; ok {
				assert.Greater(t, i, last, "per-sender order must hold")
			}
			lastPerWriter[g.Sender.Username] = i
		}
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

loop:
	for {
		select {
		case <-done:
			break loop
		default:
			batch, _ := m.Drain("bob")
			collect(batch)
		}
	}
	batch, _ := m.Drain("bob")
	collect(batch)

	assert.Len(t, seen, writers*perWriter)
	for key, n := range seen {
		assert.Equal(t, 1, n, "message %s delivered %d times", key, n)
	}
}
