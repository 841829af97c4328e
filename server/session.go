package server

import (
	"bytes"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"lanchat/models"
	"lanchat/protocol"
)

// Session is the server side of one client connection. Its identity is bound
// once by the login announcement and never changes afterwards.
//
// Outbound frames go through a queue drained by a single writer goroutine,
// so callers (the router, the registry) never wait on the network and frames
// are never interleaved on the wire.
type Session struct {
	id     uuid.UUID
	conn   net.Conn
	reader *protocol.Reader
	log    *zap.Logger

	user models.User

	writeTimeout time.Duration
	writeMu      sync.Mutex

	outMu     sync.Mutex
	outbox    [][]byte
	forced    int // queued frames exempt from outLimit
	outClosed bool
	outLimit  int
	notify    chan struct{}
	requeue   func(*Session, [][]byte)

	closeOnce sync.Once
	done      chan struct{}
	byeReason string
	flush     [][]byte // written before the bye
	writerMu  sync.Mutex
	writerRun bool
	writerEnd chan struct{}
}

type sessionOptions struct {
	WriteTimeout time.Duration
	SendQueue    int
	MaxFrameSize int
	// Requeue receives the chat frames still queued when the session is
	// dropped without flushing them to the client.
	Requeue func(*Session, [][]byte)
}

func newSession(conn net.Conn, opts sessionOptions, log *zap.Logger) *Session {
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = 10 * time.Second
	}
	if opts.SendQueue <= 0 {
		opts.SendQueue = 256
	}
	if log == nil {
		log = zap.NewNop()
	}

	id := uuid.New()
	return &Session{
		id:           id,
		conn:         conn,
		reader:       protocol.NewReader(conn, opts.MaxFrameSize),
		log:          log.With(zap.String("session", id.String()), zap.String("remote", remoteAddr(conn))),
		writeTimeout: opts.WriteTimeout,
		outLimit:     opts.SendQueue,
		notify:       make(chan struct{}, 1),
		requeue:      opts.Requeue,
		done:         make(chan struct{}),
		writerEnd:    make(chan struct{}),
	}
}

func remoteAddr(conn net.Conn) string {
	if addr := conn.RemoteAddr(); addr != nil {
		return addr.String()
	}
	return ""
}

func (s *Session) ID() uuid.UUID { return s.id }

// User returns the bound identity, zero before login.
func (s *Session) User() models.User { return s.user }

func (s *Session) RemoteAddr() string { return remoteAddr(s.conn) }

// Done is closed once the session starts shutting down.
func (s *Session) Done() <-chan struct{} { return s.done }

func (s *Session) bind(u models.User) {
	s.user = u
	s.log = s.log.With(zap.String("user", u.Username))
}

// Send encodes f and queues it for the writer.
func (s *Session) Send(f protocol.Frame) error {
	data, err := protocol.Encode(f)
	if err != nil {
		return err
	}
	return s.enqueue(data, false)
}

// enqueue appends an encoded frame to the outbox. Forced frames (the login
// backlog) do not count against the limit. Otherwise a full outbox closes the
// session: a client that cannot keep up is dropped rather than allowed to
// stall the senders.
func (s *Session) enqueue(data []byte, force bool) error {
	select {
	case <-s.done:
		return ErrSessionClosed
	default:
	}

	s.outMu.Lock()
	if s.outClosed {
		s.outMu.Unlock()
		return ErrSessionClosed
	}
	if !force && len(s.outbox)-s.forced >= s.outLimit {
		s.outMu.Unlock()
		s.log.Warn("send queue full, dropping client", zap.Int("queued", s.outLimit))
		s.closeWith(protocol.ByeOverflow)
		return ErrSendQueueFull
	}
	s.outbox = append(s.outbox, data)
	if force {
		s.forced++
	}
	s.outMu.Unlock()

	select {
	case s.notify <- struct{}{}:
	default:
	}
	return nil
}

func (s *Session) takeOutbox() [][]byte {
	s.outMu.Lock()
	defer s.outMu.Unlock()
	batch := s.outbox
	s.outbox = nil
	s.forced = 0
	return batch
}

// detachOutbox closes the outbox to further frames and returns the chat
// frames that were still waiting for the writer.
func (s *Session) detachOutbox() [][]byte {
	s.outMu.Lock()
	s.outClosed = true
	batch := s.outbox
	s.outbox = nil
	s.forced = 0
	s.outMu.Unlock()

	var chat [][]byte
	for _, data := range batch {
		if isChatFrame(data) {
			chat = append(chat, data)
		}
	}
	return chat
}

// handBack passes unwritten chat frames to the requeue hook.
func (s *Session) handBack(frames [][]byte) {
	if s.requeue == nil {
		return
	}
	var chat [][]byte
	for _, data := range frames {
		if isChatFrame(data) {
			chat = append(chat, data)
		}
	}
	if len(chat) > 0 {
		s.requeue(s, chat)
	}
}

func isChatFrame(data []byte) bool {
	return bytes.HasPrefix(data, []byte(protocol.TypeMsg+"|"))
}

// flushesOnClose reports whether frames still queued under reason are written
// to the client before the bye. Otherwise the client is gone or cannot keep
// up, and the frames are handed back for the mailbox.
func flushesOnClose(reason string) bool {
	switch reason {
	case "", protocol.ByeOverflow, protocol.ByeTimeout:
		return false
	}
	return true
}

// startWriter launches the writer goroutine. It is safe to call more than once.
func (s *Session) startWriter() {
	s.writerMu.Lock()
	defer s.writerMu.Unlock()
	if s.writerRun {
		return
	}
	s.writerRun = true
	go s.writeLoop()
}

func (s *Session) writeLoop() {
	defer close(s.writerEnd)
	defer s.conn.Close()

	for {
		select {
		case <-s.notify:
			batch := s.takeOutbox()
			for i, data := range batch {
				if err := s.write(data); err != nil {
					if !isExpectedCloseError(err) {
						s.log.Warn("write failed", zap.Error(err))
					}
					s.handBack(batch[i:])
					s.closeWith("")
					return
				}
			}
		case <-s.done:
			for i, data := range s.flush {
				if err := s.write(data); err != nil {
					s.handBack(s.flush[i:])
					return
				}
			}
			if s.byeReason != "" {
				if data, err := protocol.Encode(protocol.Bye(s.byeReason)); err == nil {
					_ = s.write(data)
				}
			}
			return
		}
	}
}

func (s *Session) write(data []byte) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	s.conn.SetWriteDeadline(time.Now().Add(s.writeTimeout))
	_, err := s.conn.Write(data)
	return err
}

// closeWith starts shutting the session down. A non-empty reason is sent to
// the client as a bye frame before the connection is closed. Queued chat
// frames are either flushed ahead of the bye or passed to the requeue hook.
// It never blocks on the network.
func (s *Session) closeWith(reason string) {
	s.closeOnce.Do(func() {
		// the writer owns the connection once it runs; otherwise close here
		s.writerMu.Lock()
		running := s.writerRun
		s.writerRun = true
		s.writerMu.Unlock()

		pending := s.detachOutbox()
		if running && flushesOnClose(reason) {
			s.flush = pending
		} else if len(pending) > 0 && s.requeue != nil {
			s.requeue(s, pending)
		}

		s.byeReason = reason
		close(s.done)

		if !running {
			s.conn.Close()
			close(s.writerEnd)
			return
		}
		// wake a reader blocked on an idle client
		s.conn.SetReadDeadline(time.Now())
	})
}

// Close shuts the session down without a bye frame.
func (s *Session) Close() {
	s.closeWith("")
}

// wait blocks until the writer has finished or the timeout elapses.
func (s *Session) wait(timeout time.Duration) bool {
	select {
	case <-s.writerEnd:
		return true
	case <-time.After(timeout):
		return false
	}
}
