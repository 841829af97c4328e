package server

import (
	"errors"
	"fmt"
	"io"
	"net"
	"strings"

	"github.com/google/uuid"
)

var (
	ErrNotLoggedIn   = errors.New("session has no identity")
	ErrSessionClosed = errors.New("session closed")
	ErrSendQueueFull = errors.New("send queue full")
	ErrServerClosed  = errors.New("server closed")
)

// SessionError ties a failure to the session it happened on.
type SessionError struct {
	Op      string // "read", "write", "login", "route"
	Session uuid.UUID
	Err     error
}

func (e *SessionError) Error() string {
	return fmt.Sprintf("session %s %s: %v", e.Session, e.Op, e.Err)
}

func (e *SessionError) Unwrap() error { return e.Err }

// isExpectedCloseError reports errors that simply mean the peer or the
// server closed the connection.
func isExpectedCloseError(err error) bool {
	if err == nil {
		return true
	}
	if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) || errors.Is(err, io.ErrClosedPipe) {
		return true
	}
	errStr := err.Error()
	return strings.Contains(errStr, "use of closed network connection") ||
		strings.Contains(errStr, "websocket: close") ||
		strings.Contains(errStr, "connection reset by peer") ||
		strings.Contains(errStr, "broken pipe")
}

func isTimeout(err error) bool {
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}
