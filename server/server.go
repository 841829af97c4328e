package server

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"lanchat/audit"
	"lanchat/mailbox"
	"lanchat/models"
	"lanchat/protocol"
)

type Server struct {
	config   *ServerConfig
	log      *zap.Logger
	audit    audit.Sink
	mailbox  Mailbox
	registry *Registry
	router   *Router
	metrics  *Metrics

	mu          sync.Mutex
	closed      bool
	listeners   []net.Listener
	httpServers []*http.Server
	sessions    map[*Session]struct{}
	wg          sync.WaitGroup
	startOnce   sync.Once
	stopOnce    sync.Once
}

type ServerConfig struct {
	Port          int
	WSAddr        string
	ReadIdle      time.Duration // 0 disables the idle timeout
	WriteTimeout  time.Duration
	SendQueue     int
	MaxFrameSize  int
	ShutdownGrace time.Duration
}

// New builds a server. A nil mailbox selects the in-memory store, a nil sink
// discards audit events and a nil logger logs nothing.
func New(cfg *ServerConfig, box Mailbox, sink audit.Sink, log *zap.Logger) *Server {
	config := &ServerConfig{}
	if cfg != nil {
		*config = *cfg
	}
	if config.WriteTimeout <= 0 {
		config.WriteTimeout = 10 * time.Second
	}
	if config.ShutdownGrace <= 0 {
		config.ShutdownGrace = 5 * time.Second
	}
	if box == nil {
		box = mailbox.NewMemory()
	}
	if sink == nil {
		sink = audit.Nop
	}
	if log == nil {
		log = zap.NewNop()
	}
	sink = audit.Stamped(sink, nil)

	s := &Server{
		config:   config,
		log:      log,
		audit:    sink,
		mailbox:  box,
		sessions: make(map[*Session]struct{}),
	}

	s.metrics = newMetrics(func() float64 {
		users, err := box.Users()
		if err != nil {
			return 0
		}
		return float64(len(users))
	})

	s.registry = NewRegistry(log.Named("registry"))
	s.registry.onBroadcast = s.metrics.presenceBroadcasts.Inc
	s.router = NewRouter(s.registry, box, sink, s.metrics, log.Named("router"))
	return s
}

func (s *Server) Registry() *Registry { return s.registry }

func (s *Server) Router() *Router { return s.router }

func (s *Server) Metrics() *Metrics { return s.metrics }

func (s *Server) Mailbox() Mailbox { return s.mailbox }

// Online returns the registered users in login order.
func (s *Server) Online() []models.User { return s.registry.Snapshot() }

// ListenAndServe listens on the configured TCP port, and on the WebSocket
// address when one is set, and serves until ctx is cancelled or a listener
// fails. Cancelling ctx shuts the server down.
func (s *Server) ListenAndServe(ctx context.Context) error {
	listener, err := net.Listen("tcp", ":"+strconv.Itoa(s.config.Port))
	if err != nil {
		return err
	}

	errCh := make(chan error, 2)
	go func() {
		errCh <- s.Serve(ctx, listener)
	}()

	if s.config.WSAddr != "" {
		httpSrv := &http.Server{
			Addr:              s.config.WSAddr,
			Handler:           s.WebSocketMux(),
			ReadHeaderTimeout: 10 * time.Second,
		}
		s.mu.Lock()
		s.httpServers = append(s.httpServers, httpSrv)
		s.mu.Unlock()

		go func() {
			s.log.Info("websocket listener started", zap.String("addr", s.config.WSAddr))
			if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- err
			}
		}()
	}

	select {
	case <-ctx.Done():
		s.Shutdown(protocol.ByeShutdown)
		return nil
	case err := <-errCh:
		s.Shutdown(protocol.ByeShutdown)
		if errors.Is(err, ErrServerClosed) {
			return nil
		}
		return err
	}
}

// Serve accepts connections on listener until it is closed, ctx is cancelled
// or the server shuts down. Each connection runs in its own goroutine.
func (s *Server) Serve(ctx context.Context, listener net.Listener) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		listener.Close()
		return ErrServerClosed
	}
	s.listeners = append(s.listeners, listener)
	s.mu.Unlock()

	s.startOnce.Do(func() {
		s.audit.Record(models.AuditEvent{Kind: models.EventServerStart})
	})
	s.log.Info("lanchat server started", zap.String("addr", listener.Addr().String()))

	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			listener.Close()
		case <-stop:
		}
	}()

	var backoff time.Duration
	for {
		conn, err := listener.Accept()
		if err != nil {
			if s.isClosed() || ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return ErrServerClosed
			}
			if backoff == 0 {
				backoff = 5 * time.Millisecond
			} else if backoff < time.Second {
				backoff *= 2
			}
			s.log.Warn("accept failed", zap.Error(err), zap.Duration("retry_in", backoff))
			time.Sleep(backoff)
			continue
		}
		backoff = 0

		s.handleConnection(conn)
	}
}

func (s *Server) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// handleConnection wraps conn in a session and runs it in the background.
func (s *Server) handleConnection(conn net.Conn) *Session {
	session := newSession(conn, sessionOptions{
		WriteTimeout: s.config.WriteTimeout,
		SendQueue:    s.config.SendQueue,
		MaxFrameSize: s.config.MaxFrameSize,
		Requeue:      s.requeue,
	}, s.log)

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		conn.Close()
		return session
	}
	s.sessions[session] = struct{}{}
	s.wg.Add(1)
	s.mu.Unlock()

	s.metrics.connections.Inc()
	go func() {
		defer s.wg.Done()
		s.serveSession(session)
	}()
	return session
}

// serveSession is the receive loop of one connection.
func (s *Server) serveSession(session *Session) {
	defer s.finishSession(session)

	session.startWriter()
	session.log.Debug("client connected")

	f, err := s.readFrame(session)
	if err != nil {
		s.dropBeforeLogin(session, err)
		return
	}
	if f.Type != protocol.TypeLogin {
		s.dropBeforeLogin(session, &protocol.DecodeError{Type: f.Type, Err: ErrNotLoggedIn})
		return
	}
	s.login(session, f.User)

	for {
		f, err := s.readFrame(session)
		if err != nil {
			s.readFailed(session, err)
			return
		}
		if !s.handleFrame(session, f) {
			return
		}
	}
}

func (s *Server) readFrame(session *Session) (protocol.Frame, error) {
	select {
	case <-session.done:
		return protocol.Frame{}, ErrSessionClosed
	default:
	}
	if s.config.ReadIdle > 0 {
		session.conn.SetReadDeadline(time.Now().Add(s.config.ReadIdle))
	}
	return session.reader.ReadFrame()
}

// dropBeforeLogin handles a connection that failed to announce itself. No
// audit event is recorded: the user never logged in.
func (s *Server) dropBeforeLogin(session *Session, err error) {
	var de *protocol.DecodeError
	switch {
	case errors.As(err, &de), errors.Is(err, protocol.ErrFrameTooLarge):
		s.metrics.protocolErrors.Inc()
		session.log.Info("protocol violation before login", zap.Error(err))
		session.closeWith(protocol.ByeProtocol)
	case isExpectedCloseError(err), errors.Is(err, ErrSessionClosed):
		session.log.Debug("client left before login")
	default:
		session.log.Info("read failed before login", zap.Error(err))
	}
}

func (s *Server) readFailed(session *Session, err error) {
	var de *protocol.DecodeError
	switch {
	case errors.As(err, &de), errors.Is(err, protocol.ErrFrameTooLarge):
		s.metrics.protocolErrors.Inc()
		session.log.Warn("malformed frame", zap.Error(err))
		session.closeWith(protocol.ByeProtocol)
	case errors.Is(err, ErrSessionClosed):
	case isTimeout(err):
		select {
		case <-session.done:
		default:
			session.log.Info("client idle, closing")
			session.closeWith(protocol.ByeTimeout)
		}
	case isExpectedCloseError(err), errors.Is(err, io.ErrUnexpectedEOF):
		session.log.Debug("client disconnected", zap.Error(err))
	default:
		session.log.Warn("read failed", zap.Error(&SessionError{Op: "read", Session: session.id, Err: err}))
	}
}

// login binds the identity, registers the session and hands it its backlog.
func (s *Server) login(session *Session, user models.User) {
	session.bind(user)

	evicted, err := s.registry.Register(session, func(ns *Session) {
		s.deliverBacklog(ns)
	})
	if err != nil {
		session.log.Error("register failed", zap.Error(err))
		session.Close()
		return
	}

	s.metrics.logins.Inc()
	s.metrics.online.Set(float64(s.registry.Len()))
	s.audit.Record(models.AuditEvent{Kind: models.EventLogin, User: user.Username, Detail: session.RemoteAddr()})
	session.log.Info("user logged in")

	if evicted != nil {
		s.metrics.evictions.Inc()
		s.audit.Record(models.AuditEvent{Kind: models.EventEvicted, User: user.Username, Detail: session.RemoteAddr()})
		session.log.Info("previous session replaced", zap.String("previous", evicted.id.String()))
	}
}

// deliverBacklog drains the mailbox of the session's user into its outbox.
// It runs inside the registry's critical section.
func (s *Server) deliverBacklog(session *Session) {
	name := session.user.Key()
	backlog, err := s.mailbox.Drain(name)
	if err != nil {
		session.log.Error("drain mailbox", zap.Error(err))
		return
	}
	if len(backlog) == 0 {
		return
	}

	for i, msg := range backlog {
		data, err := protocol.Encode(protocol.Chat(msg))
		if err != nil {
			session.log.Error("encode queued message", zap.Error(err))
			continue
		}
		if err := session.enqueue(data, true); err != nil {
			// session died while logging in; put the rest back
			for _, rest := range backlog[i:] {
				if err := s.mailbox.Enqueue(name, rest); err != nil {
					session.log.Error("requeue message", zap.Error(err))
				}
			}
			return
		}
	}
	session.log.Info("delivered queued messages", zap.Int("count", len(backlog)))
}

// requeue puts chat frames a session could not write back into the mailbox
// of its user. They were counted as delivered, so the mailbox save is
// recorded as well.
func (s *Server) requeue(session *Session, frames [][]byte) {
	name := session.user.Key()
	if name == "" {
		return
	}

	saved := 0
	for _, data := range frames {
		f, err := protocol.Decode(string(data))
		if err != nil || f.Type != protocol.TypeMsg {
			continue
		}
		msg := *f.Message
		if err := s.mailbox.Enqueue(name, msg); err != nil {
			session.log.Error("requeue message", zap.String("id", msg.ID.String()), zap.Error(err))
			continue
		}
		saved++
		s.metrics.savedOffline.Inc()
		s.audit.Record(models.AuditEvent{
			Kind:      models.EventSavedOffline,
			User:      msg.Sender.Username,
			Peer:      name,
			MessageID: msg.ID,
			Content:   msg.Content,
			Detail:    "requeued",
		})
	}
	if saved > 0 {
		session.log.Info("requeued undelivered messages", zap.Int("count", saved))
	}
}

func (s *Server) finishSession(session *Session) {
	session.Close()
	// let the writer flush a pending bye before the session is forgotten
	session.wait(s.config.WriteTimeout + time.Second)

	if s.registry.Unregister(session) {
		s.metrics.logouts.Inc()
		s.audit.Record(models.AuditEvent{Kind: models.EventLogout, User: session.user.Username})
		session.log.Info("user logged out")
	}
	s.metrics.online.Set(float64(s.registry.Len()))
	s.metrics.connections.Dec()

	s.mu.Lock()
	delete(s.sessions, session)
	s.mu.Unlock()
}

// Shutdown stops accepting connections, tells every client why and closes
// all sessions, waiting up to the configured grace period for them to end.
func (s *Server) Shutdown(reason string) {
	s.stopOnce.Do(func() {
		if reason == "" {
			reason = protocol.ByeShutdown
		}

		s.mu.Lock()
		s.closed = true
		listeners := s.listeners
		httpServers := s.httpServers
		sessions := make([]*Session, 0, len(s.sessions))
		for sess := range s.sessions {
			sessions = append(sessions, sess)
		}
		s.mu.Unlock()

		for _, l := range listeners {
			l.Close()
		}
		for _, h := range httpServers {
			h.Close()
		}
		for _, sess := range sessions {
			sess.closeWith(reason)
		}

		done := make(chan struct{})
		go func() {
			s.wg.Wait()
			close(done)
		}()
		select {
		case <-done:
		case <-time.After(s.config.ShutdownGrace):
			s.log.Warn("shutdown grace period elapsed with sessions still running")
		}

		s.audit.Record(models.AuditEvent{Kind: models.EventServerStop, Detail: reason})
		s.log.Info("server stopped", zap.String("reason", reason), zap.Int("sessions", len(sessions)))
	})
}

// Stats returns a one-line summary for the control socket.
func (s *Server) Stats() string {
	online := s.registry.Snapshot()
	users := make([]string, 0, len(online))
	for _, u := range online {
		users = append(users, u.Username)
	}

	s.mu.Lock()
	connections := len(s.sessions)
	s.mu.Unlock()

	queuedField := "?"
	if queued, err := s.mailbox.Users(); err != nil {
		s.log.Error("list mailbox users", zap.Error(err))
	} else {
		sort.Strings(queued)
		queuedField = strings.Join(queued, ";")
	}

	return "connections=" + strconv.Itoa(connections) +
		",online=" + strconv.Itoa(len(users)) +
		",users=" + strings.Join(users, ";") +
		",queued=" + queuedField
}
