// Package client is a small library for talking to a lanchat server: it
// announces an identity, sends direct and group messages and hands every
// incoming frame to the caller on a channel.
package client

import (
	"context"
	"errors"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"lanchat/models"
	"lanchat/protocol"
)

var ErrClosed = errors.New("client closed")

// ByeError reports that the server ended the connection and why.
type ByeError struct {
	Reason string
}

func (e *ByeError) Error() string {
	return "server closed connection: " + e.Reason
}

type Options struct {
	DialTimeout  time.Duration
	WriteTimeout time.Duration
	// PingInterval enables keepalive pings; 0 disables them.
	PingInterval time.Duration
	MaxFrameSize int
	// FrameBuffer is the capacity of the Frames channel.
	FrameBuffer int
	Logger      *zap.Logger
}

func (o *Options) withDefaults() Options {
	var opts Options
	if o != nil {
		opts = *o
	}
	if opts.DialTimeout <= 0 {
		opts.DialTimeout = 10 * time.Second
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = 10 * time.Second
	}
	if opts.FrameBuffer <= 0 {
		opts.FrameBuffer = 256
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return opts
}

type Client struct {
	conn   net.Conn
	reader *protocol.Reader
	user   models.User
	opts   Options
	log    *zap.Logger

	sendMu sync.Mutex

	mu       sync.RWMutex
	roster   []models.User
	lastPong time.Time
	err      error

	frames    chan protocol.Frame
	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// Dial connects to addr and announces user. The returned client is reading
// in the background; frames arrive on Frames.
func Dial(ctx context.Context, addr string, user models.User, opts *Options) (*Client, error) {
	if !user.Valid() {
		return nil, errors.New("client: username is required")
	}
	o := opts.withDefaults()

	dialer := net.Dialer{Timeout: o.DialTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, err
	}

	c := newClient(conn, user, o)
	if err := c.send(protocol.Login(user)); err != nil {
		conn.Close()
		return nil, err
	}

	c.wg.Add(1)
	go c.readLoop()
	if o.PingInterval > 0 {
		c.wg.Add(1)
		go c.pingLoop()
	}
	return c, nil
}

func newClient(conn net.Conn, user models.User, o Options) *Client {
	return &Client{
		conn:     conn,
		reader:   protocol.NewReader(conn, o.MaxFrameSize),
		user:     user,
		opts:     o,
		log:      o.Logger.With(zap.String("user", user.Username)),
		lastPong: time.Now(),
		frames:   make(chan protocol.Frame, o.FrameBuffer),
		done:     make(chan struct{}),
	}
}

// User returns the identity announced at login.
func (c *Client) User() models.User { return c.user }

// Frames delivers every frame received from the server: messages, roster
// updates, pongs and the final bye. It is closed when the connection ends.
func (c *Client) Frames() <-chan protocol.Frame { return c.frames }

// Done is closed when the connection has ended.
func (c *Client) Done() <-chan struct{} { return c.done }

// Err returns why the connection ended, nil while it is open or after Close.
func (c *Client) Err() error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.err
}

// Roster returns the most recent list of online users.
func (c *Client) Roster() []models.User {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]models.User(nil), c.roster...)
}

func (c *Client) LastPong() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.lastPong
}

// SendDirect sends a message to one user and returns its id.
func (c *Client) SendDirect(to string, content string, attachment []byte) (uuid.UUID, error) {
	return c.sendMessage(models.Direct(models.User{Username: to}), content, attachment)
}

// SendGroup sends a message to every member; the server skips the sender.
func (c *Client) SendGroup(members []string, content string, attachment []byte) (uuid.UUID, error) {
	users := make([]models.User, len(members))
	for i, m := range members {
		users[i] = models.User{Username: m}
	}
	return c.sendMessage(models.Group(users...), content, attachment)
}

func (c *Client) sendMessage(target models.Target, content string, attachment []byte) (uuid.UUID, error) {
	msg := models.Message{
		ID:         uuid.New(),
		Content:    content,
		Attachment: attachment,
		Sender:     c.user,
		Target:     target,
		SentAt:     time.Now().UTC(),
	}
	if err := c.send(protocol.Chat(msg)); err != nil {
		return uuid.Nil, err
	}
	return msg.ID, nil
}

func (c *Client) Ping() error {
	return c.send(protocol.Ping())
}

func (c *Client) send(f protocol.Frame) error {
	select {
	case <-c.done:
		return ErrClosed
	default:
	}

	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(c.opts.WriteTimeout))
	return protocol.WriteFrame(c.conn, f)
}

// Close says goodbye and closes the connection.
func (c *Client) Close() error {
	err := c.send(protocol.Bye(""))
	if errors.Is(err, ErrClosed) {
		err = nil
	}
	c.shutdown(nil)
	c.wg.Wait()
	return err
}

func (c *Client) shutdown(cause error) {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.err = cause
		c.mu.Unlock()
		close(c.done)
		c.conn.Close()
	})
}

func (c *Client) readLoop() {
	defer c.wg.Done()
	defer close(c.frames)

	for {
		f, err := c.reader.ReadFrame()
		if err != nil {
			select {
			case <-c.done:
			default:
				c.log.Debug("connection lost", zap.Error(err))
				c.shutdown(err)
			}
			return
		}

		switch f.Type {
		case protocol.TypePresence:
			c.mu.Lock()
			c.roster = f.Online
			c.mu.Unlock()
		case protocol.TypePong:
			c.mu.Lock()
			c.lastPong = time.Now()
			c.mu.Unlock()
		}

		select {
		case c.frames <- f:
		case <-c.done:
			return
		}

		if f.Type == protocol.TypeBye {
			c.log.Info("server said goodbye", zap.String("reason", f.Reason))
			c.shutdown(&ByeError{Reason: f.Reason})
			return
		}
	}
}

func (c *Client) pingLoop() {
	defer c.wg.Done()

	ticker := time.NewTicker(c.opts.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			if err := c.Ping(); err != nil && !errors.Is(err, ErrClosed) {
				c.log.Debug("ping failed", zap.Error(err))
			}
		}
	}
}
