package server

import (
	"sync"

	"go.uber.org/zap"

	"lanchat/models"
	"lanchat/protocol"
)

// Registry is the set of live sessions keyed by username. Every mutation, the
// roster snapshot that follows it and every lookup used for delivery happen
// under one lock, so a published roster always matches the registry state it
// was taken from.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*Session
	order    []string // registration order

	log         *zap.Logger
	onBroadcast func()
}

func NewRegistry(log *zap.Logger) *Registry {
	if log == nil {
		log = zap.NewNop()
	}
	return &Registry{
		sessions: make(map[string]*Session),
		log:      log,
	}
}

// Register adds a logged-in session. A session already registered under the
// same username is evicted: it is removed, told it was replaced and closed,
// and returned to the caller. Chat frames the evicted session had not written
// yet move to the new session.
//
// admit runs inside the critical section right after the insert and before
// the roster is broadcast; it is where the mailbox backlog is queued so that
// nothing routed to the new session can overtake it.
func (r *Registry) Register(s *Session, admit func(*Session)) (*Session, error) {
	if !s.user.Valid() {
		return nil, ErrNotLoggedIn
	}
	name := s.user.Key()

	r.mu.Lock()
	evicted, ok := r.sessions[name]
	var carried [][]byte
	if ok {
		r.removeLocked(name)
		carried = evicted.detachOutbox()
	}
	r.sessions[name] = s
	r.order = append(r.order, name)

	for i, data := range carried {
		if err := s.enqueue(data, true); err != nil {
			r.log.Warn("carry queued messages to new session", zap.String("user", name), zap.Error(err))
			evicted.handBack(carried[i:])
			break
		}
	}

	if admit != nil {
		admit(s)
	}
	r.broadcastLocked()
	r.mu.Unlock()

	if evicted != nil {
		evicted.closeWith(protocol.ByeReplaced)
	}
	return evicted, nil
}

// Unregister removes s if it is the session registered under its username
// and broadcasts the new roster. It reports whether anything was removed.
func (r *Registry) Unregister(s *Session) bool {
	if !s.user.Valid() {
		return false
	}
	name := s.user.Key()

	r.mu.Lock()
	defer r.mu.Unlock()

	if current, ok := r.sessions[name]; !ok || current != s {
		return false
	}
	r.removeLocked(name)
	r.broadcastLocked()
	return true
}

func (r *Registry) removeLocked(name string) {
	delete(r.sessions, name)
	for i, n := range r.order {
		if n == name {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
}

// Snapshot returns the registered identities in registration order.
func (r *Registry) Snapshot() []models.User {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.snapshotLocked()
}

func (r *Registry) snapshotLocked() []models.User {
	users := make([]models.User, 0, len(r.order))
	for _, name := range r.order {
		users = append(users, r.sessions[name].user)
	}
	return users
}

// BroadcastPresence pushes the current roster to every registered session.
func (r *Registry) BroadcastPresence() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.broadcastLocked()
}

func (r *Registry) broadcastLocked() {
	data, err := protocol.Encode(protocol.Presence(r.snapshotLocked()))
	if err != nil {
		r.log.Error("encode presence", zap.Error(err))
		return
	}

	for _, name := range r.order {
		// a failing session is closed by enqueue and unregisters itself
		_ = r.sessions[name].enqueue(data, false)
	}
	if r.onBroadcast != nil {
		r.onBroadcast()
	}
}

// Dispatch looks username up and calls online with its session, or offline
// when nobody is registered under that name. The callback runs under the
// registry lock, so it must not block; queueing to a session or a mailbox is
// fine.
func (r *Registry) Dispatch(username string, online func(*Session), offline func()) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if s, ok := r.sessions[username]; ok {
		online(s)
		return
	}
	offline()
}

func (r *Registry) Lookup(username string) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[username]
	return s, ok
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}
