// Package control serves the operator socket: a unix socket accepting one
// line-oriented command per connection.
//
//	stats
//	online
//	pending
//	logs|<from>|<to>     RFC3339 bounds, either may be empty
//	shutdown|<reason>
//
// Replies start with OK| or ERROR|. When a token hash is configured the
// command must be preceded by an auth|<token> line.
package control

import (
	"bufio"
	"errors"
	"net"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"lanchat/models"
)

// Relay is the part of the chat server the operator can inspect and stop.
type Relay interface {
	Stats() string
	Online() []models.User
	Shutdown(reason string)
}

type Mailbox interface {
	Pending(username string) (int, error)
	Users() ([]string, error)
}

// EventQuery reads persisted audit events in [from, to).
type EventQuery interface {
	Events(from, to time.Time) ([]models.AuditEvent, error)
}

type Options struct {
	Relay   Relay
	Mailbox Mailbox
	// Events is nil when audit events are only logged.
	Events    EventQuery
	TokenHash string
	Logger    *zap.Logger
}

type Server struct {
	opts Options
	log  *zap.Logger

	mu       sync.Mutex
	listener net.Listener
	path     string
	wg       sync.WaitGroup
}

func New(opts Options) *Server {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &Server{opts: opts, log: opts.Logger.Named("control")}
}

// ListenAndServe replaces any stale socket at path and serves on it until
// Close is called.
func (s *Server) ListenAndServe(path string) error {
	os.Remove(path)

	listener, err := net.Listen("unix", path)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.path = path
	s.mu.Unlock()

	s.log.Info("control socket listening", zap.String("path", path))
	return s.Serve(listener)
}

// Serve handles connections from listener. It returns nil once Close has
// been called.
func (s *Server) Serve(listener net.Listener) error {
	s.mu.Lock()
	s.listener = listener
	s.mu.Unlock()

	for {
		conn, err := listener.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				s.wg.Wait()
				return nil
			}
			s.log.Warn("accept failed", zap.Error(err))
			time.Sleep(50 * time.Millisecond)
			continue
		}

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handle(conn)
		}()
	}
}

// Close stops the listener and removes the socket file.
func (s *Server) Close() error {
	s.mu.Lock()
	listener, path := s.listener, s.path
	s.mu.Unlock()

	var err error
	if listener != nil {
		err = listener.Close()
	}
	if path != "" {
		os.Remove(path)
	}
	return err
}

func (s *Server) handle(conn net.Conn) {
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(30 * time.Second))

	reader := bufio.NewReader(conn)
	readLine := func() (string, bool) {
		line, err := reader.ReadString('\n')
		if err != nil && line == "" {
			return "", false
		}
		return strings.TrimSpace(line), true
	}

	line, read := readLine()
	if !read {
		return
	}

	if s.opts.TokenHash != "" {
		if !s.authorized(line) {
			s.log.Warn("control command rejected", zap.String("reason", "bad token"))
			conn.Write([]byte("ERROR|Unauthorized\n"))
			return
		}
		if line, read = readLine(); !read {
			return
		}
	}

	reply, after := s.Execute(line)
	conn.Write([]byte(reply))
	if after != nil {
		conn.Close()
		after()
	}
}

func (s *Server) authorized(line string) bool {
	token, ok := strings.CutPrefix(line, "auth|")
	if !ok || token == "" {
		return false
	}
	return bcrypt.CompareHashAndPassword([]byte(s.opts.TokenHash), []byte(token)) == nil
}

// Execute runs one command and returns the reply. A non-nil func must be
// called once the reply has been sent.
func (s *Server) Execute(line string) (string, func()) {
	parts := strings.SplitN(line, "|", 3)
	cmd := parts[0]
	arg := func(i int) string {
		if i < len(parts) {
			return strings.TrimSpace(parts[i])
		}
		return ""
	}

	s.log.Info("control command", zap.String("command", cmd))

	switch cmd {
	case "stats":
		return ok(s.opts.Relay.Stats()), nil

	case "online":
		online := s.opts.Relay.Online()
		names := make([]string, len(online))
		for i, u := range online {
			names[i] = u.Username
		}
		return ok(strings.Join(names, ",")), nil

	case "pending":
		return s.pending(), nil

	case "logs":
		return s.logs(arg(1), arg(2)), nil

	case "shutdown":
		reason := arg(1)
		if reason == "" {
			reason = "maintenance"
		}
		return ok("Shutting down"), func() {
			s.log.Info("shutdown requested", zap.String("reason", reason))
			s.opts.Relay.Shutdown(reason)
		}

	case "":
		return fail("Invalid command"), nil

	default:
		return fail("Unknown command"), nil
	}
}

func (s *Server) pending() string {
	if s.opts.Mailbox == nil {
		return ok("")
	}
	users, err := s.opts.Mailbox.Users()
	if err != nil {
		s.log.Error("list mailbox users", zap.Error(err))
		return fail("Mailbox unavailable")
	}

	items := make([]string, 0, len(users))
	for _, u := range users {
		n, err := s.opts.Mailbox.Pending(u)
		if err != nil {
			s.log.Error("count pending", zap.String("user", u), zap.Error(err))
			return fail("Mailbox unavailable")
		}
		items = append(items, u+"="+strconv.Itoa(n))
	}
	return ok(strings.Join(items, ","))
}

// logs replies with a count line followed by one line per event.
func (s *Server) logs(fromArg, toArg string) string {
	if s.opts.Events == nil {
		return fail("Audit events are not persisted")
	}

	var from, to time.Time
	var err error
	if fromArg != "" {
		if from, err = time.Parse(time.RFC3339, fromArg); err != nil {
			return fail("Invalid start time")
		}
	}
	if toArg != "" {
		if to, err = time.Parse(time.RFC3339, toArg); err != nil {
			return fail("Invalid end time")
		}
	}
	if !from.IsZero() && !to.IsZero() && !from.Before(to) {
		return fail("Empty time window")
	}

	events, err := s.opts.Events.Events(from, to)
	if err != nil {
		s.log.Error("query audit events", zap.Error(err))
		return fail("Audit log unavailable")
	}

	var b strings.Builder
	b.WriteString(ok(strconv.Itoa(len(events))))
	for _, e := range events {
		b.WriteString(strings.ReplaceAll(e.Line(), "\n", " "))
		b.WriteByte('\n')
	}
	return b.String()
}

func ok(s string) string { return "OK|" + s + "\n" }

func fail(s string) string { return "ERROR|" + s + "\n" }
