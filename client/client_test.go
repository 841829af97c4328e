package client_test

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"lanchat/client"
	"lanchat/models"
	"lanchat/protocol"
	"lanchat/server"
)

func startServer(t *testing.T) (*server.Server, string) {
	t.Helper()

	srv := server.New(&server.ServerConfig{ShutdownGrace: time.Second}, nil, nil, nil)
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	served := make(chan error, 1)
	go func() { served <- srv.Serve(ctx, listener) }()

	t.Cleanup(func() {
		cancel()
		srv.Shutdown("")
		<-served
	})
	return srv, listener.Addr().String()
}

func dial(t *testing.T, addr, name string) *client.Client {
	t.Helper()
	c, err := client.Dial(context.Background(), addr, models.User{Username: name}, nil)
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	waitFrame(t, c, protocol.TypePresence)
	return c
}

// waitFrame returns the next frame of type typ, skipping everything else.
func waitFrame(t *testing.T, c *client.Client, typ string) protocol.Frame {
	t.Helper()
	timeout := time.After(2 * time.Second)
	for {
		select {
		case f, ok := <-c.Frames():
			require.True(t, ok, "connection closed while waiting for %s", typ)
			if f.Type == typ {
				return f
			}
		case <-timeout:
			t.Fatalf("no %s frame within timeout", typ)
		}
	}
}

func names(users []models.User) []string {
	out := make([]string, len(users))
	for i, u := range users {
		out[i] = u.Username
	}
	return out
}

func TestDialRequiresUsername(t *testing.T) {
	_, err := client.Dial(context.Background(), "127.0.0.1:1", models.User{}, nil)
	assert.Error(t, err)
}

func TestRosterTracksPresence(t *testing.T) {
	_, addr := startServer(t)

	alice := dial(t, addr, "alice")
	assert.Equal(t, []string{"alice"}, names(alice.Roster()))

	dial(t, addr, "bob")
	f := waitFrame(t, alice, protocol.TypePresence)
	assert.Equal(t, []string{"alice", "bob"}, names(f.Online))
	assert.Equal(t, []string{"alice", "bob"}, names(alice.Roster()))
}

func TestSendDirect(t *testing.T) {
	_, addr := startServer(t)

	alice := dial(t, addr, "alice")
	bob := dial(t, addr, "bob")

	id, err := alice.SendDirect("bob", "hello", []byte("png"))
	require.NoError(t, err)

	f := waitFrame(t, bob, protocol.TypeMsg)
	assert.Equal(t, id, f.Message.ID)
	assert.Equal(t, "hello", f.Message.Content)
	assert.Equal(t, []byte("png"), f.Message.Attachment)
	assert.Equal(t, "alice", f.Message.Sender.Username)
	assert.Equal(t, models.TargetDirect, f.Message.Target.Kind)
}

func TestSendGroupAndOfflineDelivery(t *testing.T) {
	_, addr := startServer(t)

	alice := dial(t, addr, "alice")
	bob := dial(t, addr, "bob")

	_, err := alice.SendGroup([]string{"alice", "bob", "carol"}, "standup", nil)
	require.NoError(t, err)

	f := waitFrame(t, bob, protocol.TypeMsg)
	assert.Equal(t, "standup", f.Message.Content)
	assert.Equal(t, []string{"alice", "bob", "carol"}, names(f.Message.Target.Members))

	carol, err := client.Dial(context.Background(), addr, models.User{Username: "carol"}, nil)
	require.NoError(t, err)
	defer carol.Close()

	f = waitFrame(t, carol, protocol.TypeMsg)
	assert.Equal(t, "standup", f.Message.Content)
}

func TestPing(t *testing.T) {
	_, addr := startServer(t)

	alice := dial(t, addr, "alice")
	before := alice.LastPong()

	time.Sleep(5 * time.Millisecond)
	require.NoError(t, alice.Ping())
	waitFrame(t, alice, protocol.TypePong)
	assert.True(t, alice.LastPong().After(before))
}

func TestKeepalivePings(t *testing.T) {
	_, addr := startServer(t)

	c, err := client.Dial(context.Background(), addr, models.User{Username: "alice"},
		&client.Options{PingInterval: 20 * time.Millisecond})
	require.NoError(t, err)
	defer c.Close()

	waitFrame(t, c, protocol.TypePong)
}

func TestEvictedClientSeesBye(t *testing.T) {
	_, addr := startServer(t)

	first := dial(t, addr, "alice")
	dial(t, addr, "alice")

	f := waitFrame(t, first, protocol.TypeBye)
	assert.Equal(t, protocol.ByeReplaced, f.Reason)

	select {
	case <-first.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("evicted client still running")
	}
	var bye *client.ByeError
	require.ErrorAs(t, first.Err(), &bye)
	assert.Equal(t, protocol.ByeReplaced, bye.Reason)

	_, err := first.SendDirect("bob", "too late", nil)
	assert.ErrorIs(t, err, client.ErrClosed)
}

func TestCloseEndsFrames(t *testing.T) {
	srv, addr := startServer(t)

	c := dial(t, addr, "alice")
	require.NoError(t, c.Close())

	for range c.Frames() {
	}
	assert.NoError(t, c.Err())
	require.Eventually(t, func() bool { return srv.Registry().Len() == 0 }, 2*time.Second, 5*time.Millisecond)
}
