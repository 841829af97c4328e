package models

import (
	"time"

	"github.com/google/uuid"
)

// User is a chat identity. Two users with the same Username are the same
// user; the avatar is carried along but never compared.
type User struct {
	Username string
	Avatar   []byte
}

// Key returns the routing key of the user.
func (u User) Key() string {
	return u.Username
}

// Is reports whether u and other name the same user.
func (u User) Is(other User) bool {
	return u.Username == other.Username
}

// Valid reports whether the user can be bound to a session.
func (u User) Valid() bool {
	return u.Username != ""
}

type TargetKind string

const (
	TargetDirect TargetKind = "d"
	TargetGroup  TargetKind = "g"
)

// Target is the addressee of a message: one user (direct) or an ordered set
// of users (group).
type Target struct {
	Kind    TargetKind
	Members []User
}

// Direct builds a direct target.
func Direct(u User) Target {
	return Target{Kind: TargetDirect, Members: []User{u}}
}

// Group builds a group target. Members keep their order; duplicates are
// tolerated here and skipped by the router.
func Group(members ...User) Target {
	return Target{Kind: TargetGroup, Members: append([]User(nil), members...)}
}

// Recipients returns the distinct members of the target in order, leaving out
// the excluded user.
func (t Target) Recipients(exclude User) []User {
	seen := make(map[string]struct{}, len(t.Members))
	out := make([]User, 0, len(t.Members))
	for _, m := range t.Members {
		if !m.Valid() {
			continue
		}
		if t.Kind == TargetGroup && m.Is(exclude) {
			continue
		}
		if _, dup := seen[m.Key()]; dup {
			continue
		}
		seen[m.Key()] = struct{}{}
		out = append(out, m)
	}
	return out
}

type Message struct {
	ID         uuid.UUID
	Content    string
	Attachment []byte // optional image payload
	Sender     User
	Target     Target
	SentAt     time.Time
}

// HasAttachment reports whether an image is attached.
func (m Message) HasAttachment() bool {
	return len(m.Attachment) > 0
}

type EventKind string

const (
	EventServerStart  EventKind = "server_start"
	EventServerStop   EventKind = "server_stop"
	EventLogin        EventKind = "login"
	EventLogout       EventKind = "logout"
	EventDelivered    EventKind = "delivered"
	EventSavedOffline EventKind = "saved_offline"
	EventEvicted      EventKind = "evicted"
)

// AuditEvent is a single routing or lifecycle record handed to an audit sink.
type AuditEvent struct {
	At        time.Time
	Kind      EventKind
	User      string // acting user: the sender for routing events
	Peer      string // receiver for routing events
	MessageID uuid.UUID
	Content   string
	Detail    string
}

// Text renders the event the way the traffic log shows it.
func (e AuditEvent) Text() string {
	switch e.Kind {
	case EventServerStart:
		return "Server has started."
	case EventServerStop:
		if e.Detail != "" {
			return "Server has stopped (" + e.Detail + ")."
		}
		return "Server has stopped."
	case EventLogin:
		return "Username: " + e.User + " has logged in."
	case EventLogout:
		return "Username: " + e.User + " has logged out."
	case EventDelivered:
		return e.User + " sent '" + e.Content + "' to " + e.Peer + "."
	case EventSavedOffline:
		return "Message from '" + e.User + "' to '" + e.Peer + "' was saved because the receiver was offline. Content: '" + e.Content + "'."
	case EventEvicted:
		return "Username: " + e.User + " was replaced by a new connection from " + e.Detail + "."
	default:
		return string(e.Kind) + " " + e.User
	}
}

// Line renders the event with its timestamp prefix.
func (e AuditEvent) Line() string {
	return e.At.Local().Format("2006-01-02 15:04:05") + " - " + e.Text()
}
