package server

import (
	"bufio"
	"context"
	"errors"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

const (
	readTimeout = 2 * time.Second
	settleDelay = 150 * time.Millisecond
)

// startTestServer starts a ChatServer on a loopback port with presence
// notices disabled. customize may adjust the config before start.
func startTestServer(t *testing.T, customize func(cfg *Config)) *ChatServer {
	t.Helper()
	cfg := NewConfig()
	cfg.Address = "127.0.0.1:0"
	cfg.AnnouncePresence = false
	cfg.ShutdownTimeout = 2 * time.Second
	if customize != nil {
		customize(cfg)
	}

	chat := NewChatServer(cfg, zerolog.Nop())
	require.NoError(t, chat.Start(cfg.Address))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = chat.Shutdown(ctx)
	})
	return chat
}

// testClient is a raw line-oriented client.
type testClient struct {
	t      *testing.T
	conn   net.Conn
	reader *bufio.Reader
}

func dialClient(t *testing.T, addr string) *testClient {
	t.Helper()
	conn, err := net.DialTimeout("tcp", addr, readTimeout)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return &testClient{t: t, conn: conn, reader: bufio.NewReader(conn)}
}

// joinClient dials, completes the handshake as name, and waits until the
// server has registered it.
func joinClient(t *testing.T, chat *ChatServer, name string) *testClient {
	t.Helper()
	c := dialClient(t, chat.Addr().String())
	c.expectLine(HandshakeFrame)
	c.send(name)
	require.Eventually(t, func() bool {
		_, ok := findByName(chat.Registry(), name)
		return ok
	}, readTimeout, 10*time.Millisecond, "client %q never registered", name)
	return c
}

func (c *testClient) send(line string) {
	c.t.Helper()
	_ = c.conn.SetWriteDeadline(time.Now().Add(readTimeout))
	_, err := c.conn.Write([]byte(line + "\n"))
	require.NoError(c.t, err)
}

func (c *testClient) readLine() (string, error) {
	_ = c.conn.SetReadDeadline(time.Now().Add(readTimeout))
	line, err := c.reader.ReadString('\n')
	return strings.TrimRight(line, "\r\n"), err
}

func (c *testClient) expectLine(want string) {
	c.t.Helper()
	line, err := c.readLine()
	require.NoError(c.t, err)
	require.Equal(c.t, want, line)
}

// expectNoLine asserts nothing arrives within settleDelay.
func (c *testClient) expectNoLine() {
	c.t.Helper()
	_ = c.conn.SetReadDeadline(time.Now().Add(settleDelay))
	line, err := c.reader.ReadString('\n')
	var netErr net.Error
	require.True(c.t, errors.As(err, &netErr) && netErr.Timeout(), "unexpected frame %q (err %v)", line, err)
}

// expectClosed asserts the server closes the connection.
func (c *testClient) expectClosed() {
	c.t.Helper()
	for {
		_, err := c.readLine()
		if err != nil {
			var netErr net.Error
			require.False(c.t, errors.As(err, &netErr) && netErr.Timeout(), "connection still open")
			return
		}
	}
}

func findByName(r *Registry, name string) (ClientRecord, bool) {
	for _, record := range r.Snapshot() {
		if record.Name == name {
			return record, true
		}
	}
	return ClientRecord{}, false
}

// fakePeer records deliveries and fails with err when set.
type fakePeer struct {
	id  string
	err error

	mu  sync.Mutex
	got []string
}

func (p *fakePeer) ID() string { return p.id }

func (p *fakePeer) Deliver(text string) error {
	if p.err != nil {
		return p.err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.got = append(p.got, text)
	return nil
}

func (p *fakePeer) received() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.got...)
}
