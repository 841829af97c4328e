package server

import (
	"go.uber.org/zap"

	"lanchat/audit"
	"lanchat/models"
	"lanchat/protocol"
)

// Mailbox stores messages for recipients that are not online.
type Mailbox interface {
	Enqueue(username string, msg models.Message) error
	Drain(username string) ([]models.Message, error)
	Pending(username string) (int, error)
	Users() ([]string, error)
}

// RouteResult lists, per recipient, what happened to a routed message.
type RouteResult struct {
	Delivered []string
	Saved     []string
	Failed    []string
}

// Router decides for every recipient of a message whether it is written to a
// live session or queued in the mailbox.
type Router struct {
	registry *Registry
	mailbox  Mailbox
	audit    audit.Sink
	metrics  *Metrics
	log      *zap.Logger
}

func NewRouter(registry *Registry, mailbox Mailbox, sink audit.Sink, metrics *Metrics, log *zap.Logger) *Router {
	if sink == nil {
		sink = audit.Nop
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Router{
		registry: registry,
		mailbox:  mailbox,
		audit:    sink,
		metrics:  metrics,
		log:      log,
	}
}

type outcome int

const (
	outcomeDelivered outcome = iota
	outcomeSaved
	outcomeFailed
)

// Route delivers msg to every distinct recipient of its target. Group
// messages skip the sender. Each recipient is handled on its own: one
// failure never affects the others.
func (r *Router) Route(msg models.Message) RouteResult {
	var res RouteResult

	data, err := protocol.Encode(protocol.Chat(msg))
	if err != nil {
		r.log.Warn("encode message", zap.Error(err))
		for _, to := range msg.Target.Recipients(msg.Sender) {
			res.Failed = append(res.Failed, to.Key())
		}
		return res
	}

	for _, to := range msg.Target.Recipients(msg.Sender) {
		name := to.Key()
		switch r.routeTo(name, msg, data) {
		case outcomeDelivered:
			res.Delivered = append(res.Delivered, name)
			r.record(models.EventDelivered, name, msg)
			if r.metrics != nil {
				r.metrics.delivered.Inc()
			}
		case outcomeSaved:
			res.Saved = append(res.Saved, name)
			r.record(models.EventSavedOffline, name, msg)
			if r.metrics != nil {
				r.metrics.savedOffline.Inc()
			}
		default:
			res.Failed = append(res.Failed, name)
			if r.metrics != nil {
				r.metrics.routeFailures.Inc()
			}
		}
	}
	return res
}

func (r *Router) routeTo(name string, msg models.Message, data []byte) outcome {
	var (
		result outcome
		err    error
	)

	r.registry.Dispatch(name,
		func(s *Session) {
			if err = s.enqueue(data, false); err == nil {
				result = outcomeDelivered
				return
			}
			// the session is going away; keep the message for the next login
			if err = r.mailbox.Enqueue(name, msg); err == nil {
				result = outcomeSaved
				return
			}
			result = outcomeFailed
		},
		func() {
			if err = r.mailbox.Enqueue(name, msg); err == nil {
				result = outcomeSaved
				return
			}
			result = outcomeFailed
		},
	)

	if result == outcomeFailed {
		r.log.Error("route failed",
			zap.String("from", msg.Sender.Username),
			zap.String("to", name),
			zap.Error(err))
	}
	return result
}

func (r *Router) record(kind models.EventKind, peer string, msg models.Message) {
	r.audit.Record(models.AuditEvent{
		Kind:      kind,
		User:      msg.Sender.Username,
		Peer:      peer,
		MessageID: msg.ID,
		Content:   msg.Content,
	})
}
