package server

import (
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"lanchat/protocol"
)

// handleFrame acts on one frame from a logged-in session. It returns false
// when the session should end.
func (s *Server) handleFrame(session *Session, f protocol.Frame) bool {
	switch f.Type {
	case protocol.TypeMsg:
		s.handleMessage(session, f)
	case protocol.TypePing:
		s.handlePing(session)
	case protocol.TypeLogin:
		// the identity is bound once per connection
		session.log.Warn("ignoring repeated login", zap.String("requested", f.User.Username))
	case protocol.TypeBye:
		session.log.Debug("client said goodbye", zap.String("reason", f.Reason))
		return false
	case protocol.TypePresence, protocol.TypePong:
		// only the server publishes rosters; pongs need no answer
	}
	return true
}

func (s *Server) handlePing(session *Session) {
	if err := session.Send(protocol.Pong()); err != nil {
		session.log.Debug("send pong", zap.Error(err))
	}
}

// handleMessage stamps the message with the sender's bound identity and
// hands it to the router.
func (s *Server) handleMessage(session *Session, f protocol.Frame) {
	msg := *f.Message
	msg.Sender = session.user
	if msg.ID == uuid.Nil {
		msg.ID = uuid.New()
	}
	if msg.SentAt.IsZero() {
		msg.SentAt = time.Now().UTC()
	}

	if msg.Content == "" && !msg.HasAttachment() {
		session.log.Debug("dropping empty message", zap.String("id", msg.ID.String()))
		return
	}

	res := s.router.Route(msg)
	session.log.Debug("message routed",
		zap.String("id", msg.ID.String()),
		zap.Strings("delivered", res.Delivered),
		zap.Strings("saved", res.Saved),
		zap.Strings("failed", res.Failed))
}
