// Package mailbox holds messages for users who were offline when the
// messages were routed.
//
// Memory is the default store. Everything it holds is lost when the process
// exits; db.DB provides the same operations on top of sqlite.
package mailbox

import (
	"sort"
	"sync"

	"lanchat/models"
)

// Memory is an in-memory mailbox guarded by a single lock. A username has an
// entry only while its queue is non-empty.
type Memory struct {
	mu      sync.Mutex
	pending map[string][]models.Message
}

func NewMemory() *Memory {
	return &Memory{pending: make(map[string][]models.Message)}
}

// Enqueue appends msg to the queue of username.
func (m *Memory) Enqueue(username string, msg models.Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pending[username] = append(m.pending[username], msg)
	return nil
}

// Drain detaches and returns the whole queue of username in enqueue order.
func (m *Memory) Drain(username string) ([]models.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	queue := m.pending[username]
	delete(m.pending, username)
	return queue, nil
}

// Pending returns the queue length of username.
func (m *Memory) Pending(username string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.pending[username]), nil
}

// Users returns the usernames that have queued mail, sorted.
func (m *Memory) Users() ([]string, error) {
	m.mu.Lock()
	users := make([]string, 0, len(m.pending))
	for u := range m.pending {
		users = append(users, u)
	}
	m.mu.Unlock()

	sort.Strings(users)
	return users, nil
}
