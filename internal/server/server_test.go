package server

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newPipeSession(t *testing.T) (net.Conn, *bufio.Reader) {
	t.Helper()

	srv := NewServer(Config{
		MaxBytes:      1 << 20,
		TargetBytes:   (1 << 20) * 95 / 100,
		MaxEvictPerOp: 64,
		Version:       "test",
	})

	serverSide, clientSide := net.Pipe()
	go srv.handleConn(serverSide)
	t.Cleanup(func() { _ = clientSide.Close() })

	return clientSide, bufio.NewReader(clientSide)
}

func sendCommand(t *testing.T, conn net.Conn, r *bufio.Reader, cmd string, readUntil string) string {
	t.Helper()
	_, err := conn.Write([]byte(cmd))
	require.NoError(t, err, "write failed")

	var b strings.Builder
	for {
		line, err := r.ReadString('\n')
		require.NoError(t, err, "read failed")
		b.WriteString(line)
		if strings.HasSuffix(b.String(), readUntil) {
			return b.String()
		}
	}
}

func TestSetGetDelete(t *testing.T) {
	conn, r := newPipeSession(t)

	resp := sendCommand(t, conn, r, "set a 12 0 3\r\nfoo\r\n", "\r\n")
	assert.Equal(t, "STORED\r\n", resp)

	resp = sendCommand(t, conn, r, "get a\r\n", "END\r\n")
	assert.Equal(t, "VALUE a 12 3\r\nfoo\r\nEND\r\n", resp)

	resp = sendCommand(t, conn, r, "delete a\r\n", "\r\n")
	assert.Equal(t, "DELETED\r\n", resp)

	resp = sendCommand(t, conn, r, "get a\r\n", "END\r\n")
	assert.Equal(t, "END\r\n", resp)

	resp = sendCommand(t, conn, r, "delete a\r\n", "\r\n")
	assert.Equal(t, "NOT_FOUND\r\n", resp)
}

func TestEmptyValue(t *testing.T) {
	conn, r := newPipeSession(t)

	resp := sendCommand(t, conn, r, "set e 0 0 0\r\n\r\n", "\r\n")
	require.Equal(t, "STORED\r\n", resp)

	resp = sendCommand(t, conn, r, "get e\r\n", "END\r\n")
	assert.Equal(t, "VALUE e 0 0\r\n\r\nEND\r\n", resp)
}

func TestGetsReturnsCAS(t *testing.T) {
	conn, r := newPipeSession(t)

	sendCommand(t, conn, r, "set k 0 0 1\r\nx\r\n", "\r\n")
	resp := sendCommand(t, conn, r, "gets k\r\n", "END\r\n")
	assert.Regexp(t, `^VALUE k 0 1 \d+\r\nx\r\nEND\r\n$`, resp)
}

func TestDeleteHoldTime(t *testing.T) {
	conn, r := newPipeSession(t)

	sendCommand(t, conn, r, "set k 0 0 1\r\nx\r\n", "\r\n")

	resp := sendCommand(t, conn, r, "delete k 10\r\n", "\r\n")
	assert.True(t, strings.HasPrefix(resp, "CLIENT_ERROR bad command line format"), "got %q", resp)

	resp = sendCommand(t, conn, r, "delete k 0\r\n", "\r\n")
	assert.Equal(t, "DELETED\r\n", resp)
}

func TestNoreply(t *testing.T) {
	conn, r := newPipeSession(t)

	_, err := conn.Write([]byte("set k 0 0 1 noreply\r\nx\r\n"))
	require.NoError(t, err)

	resp := sendCommand(t, conn, r, "get k\r\n", "END\r\n")
	assert.Equal(t, "VALUE k 0 1\r\nx\r\nEND\r\n", resp)

	_, err = conn.Write([]byte("delete k noreply\r\n"))
	require.NoError(t, err)

	resp = sendCommand(t, conn, r, "get k\r\n", "END\r\n")
	assert.Equal(t, "END\r\n", resp)
}

func TestVersionAndUnknownCommand(t *testing.T) {
	conn, r := newPipeSession(t)

	resp := sendCommand(t, conn, r, "version\r\n", "\r\n")
	assert.Equal(t, "VERSION test\r\n", resp)

	resp = sendCommand(t, conn, r, "stats\r\n", "\r\n")
	assert.Equal(t, "ERROR\r\n", resp)
}

func TestMultiGetAndBadDataChunk(t *testing.T) {
	conn, r := newPipeSession(t)

	for i := 1; i <= 2; i++ {
		resp := sendCommand(t, conn, r, fmt.Sprintf("set k%d 0 0 2\r\nv%d\r\n", i, i), "\r\n")
		require.Equal(t, "STORED\r\n", resp)
	}

	resp := sendCommand(t, conn, r, "get k1 k2 missing\r\n", "END\r\n")
	assert.Contains(t, resp, "VALUE k1 0 2\r\nv1\r\n")
	assert.Contains(t, resp, "VALUE k2 0 2\r\nv2\r\n")
	assert.True(t, strings.HasSuffix(resp, "END\r\n"), "missing END terminator: %q", resp)

	resp = sendCommand(t, conn, r, "set bad 0 0 3\r\nabcX", "\r\n")
	assert.Equal(t, "CLIENT_ERROR bad data chunk\r\n", resp)
}

func TestBadSetArguments(t *testing.T) {
	conn, r := newPipeSession(t)

	resp := sendCommand(t, conn, r, "set k x 0 1\r\n", "\r\n")
	assert.Equal(t, "CLIENT_ERROR invalid flags\r\n", resp)

	resp = sendCommand(t, conn, r, "set k 0 0\r\n", "\r\n")
	assert.Equal(t, "CLIENT_ERROR bad command line format\r\n", resp)

	longKey := strings.Repeat("k", maxKeyLength+1)
	resp = sendCommand(t, conn, r, "set "+longKey+" 0 0 1\r\n", "\r\n")
	assert.Equal(t, "CLIENT_ERROR bad command line format\r\n", resp)
}

func TestOversizedSetIsRejectedBeforeBuffering(t *testing.T) {
	conn, r := newPipeSession(t)

	payload := strings.Repeat("x", 2<<20)
	resp := sendCommand(t, conn, r, fmt.Sprintf("set big 0 0 %d\r\n%s\r\n", len(payload), payload), "\r\n")
	assert.Equal(t, "SERVER_ERROR object too large for cache\r\n", resp)

	resp = sendCommand(t, conn, r, "get big\r\n", "END\r\n")
	assert.Equal(t, "END\r\n", resp)

	resp = sendCommand(t, conn, r, "set small 0 0 2\r\nok\r\n", "\r\n")
	assert.Equal(t, "STORED\r\n", resp, "connection should keep serving after the rejected set")
}

func TestTelnetLineEndings(t *testing.T) {
	conn, r := newPipeSession(t)

	resp := sendCommand(t, conn, r, "set t 0 0 2\nhi\n", "\r\n")
	require.Equal(t, "STORED\r\n", resp)

	resp = sendCommand(t, conn, r, "get t\r\x00", "END\r\n")
	assert.Equal(t, "VALUE t 0 2\r\nhi\r\nEND\r\n", resp)
}

func TestServeStopsOnContextCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	srv := NewServer(Config{ListenAddr: "127.0.0.1:0"})

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(ctx) }()

	select {
	case <-srv.Ready():
	case <-time.After(3 * time.Second):
		t.Fatal("server did not become ready")
	}
	assert.NotEmpty(t, srv.Addr())

	cancel()
	select {
	case err := <-errCh:
		assert.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("server shutdown timeout")
	}
	assert.NoError(t, srv.Close(), "second close should be a no-op")
}

type temporaryError struct{}

func (temporaryError) Error() string   { return "accept: too many open files" }
func (temporaryError) Timeout() bool   { return false }
func (temporaryError) Temporary() bool { return true }

// flakyListener fails its first Accept with a temporary error, then hands out
// the queued connections until closed.
type flakyListener struct {
	failed    bool
	conns     chan net.Conn
	done      chan struct{}
	closeOnce sync.Once
}

func newFlakyListener() *flakyListener {
	return &flakyListener{conns: make(chan net.Conn), done: make(chan struct{})}
}

func (l *flakyListener) Accept() (net.Conn, error) {
	if !l.failed {
		l.failed = true
		return nil, temporaryError{}
	}
	select {
	case c := <-l.conns:
		return c, nil
	case <-l.done:
		return nil, net.ErrClosed
	}
}

func (l *flakyListener) Close() error {
	l.closeOnce.Do(func() { close(l.done) })
	return nil
}

func (l *flakyListener) Addr() net.Addr {
	return &net.TCPAddr{IP: net.IPv4(127, 0, 0, 1)}
}

func TestServeRetriesTemporaryAcceptError(t *testing.T) {
	srv := NewServer(Config{MaxBytes: 1 << 20, Version: "test"})
	ln := newFlakyListener()

	errCh := make(chan error, 1)
	go func() { errCh <- srv.serveListener(context.Background(), ln) }()

	serverSide, clientSide := net.Pipe()
	defer clientSide.Close()
	select {
	case ln.conns <- serverSide:
	case err := <-errCh:
		t.Fatalf("serve returned after a temporary accept error: %v", err)
	case <-time.After(3 * time.Second):
		t.Fatal("listener was not retried")
	}

	resp := sendCommand(t, clientSide, bufio.NewReader(clientSide), "version\r\n", "\r\n")
	assert.Equal(t, "VERSION test\r\n", resp)

	require.NoError(t, srv.Close())
	select {
	case err := <-errCh:
		assert.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("server shutdown timeout")
	}
}

func TestServeReturnsPermanentAcceptError(t *testing.T) {
	srv := NewServer(Config{})
	ln := &failingListener{err: errors.New("listener broken")}

	err := srv.serveListener(context.Background(), ln)
	assert.EqualError(t, err, "listener broken")
}

type failingListener struct {
	err error
}

func (l *failingListener) Accept() (net.Conn, error) { return nil, l.err }
func (l *failingListener) Close() error              { return nil }
func (l *failingListener) Addr() net.Addr            { return &net.TCPAddr{IP: net.IPv4(127, 0, 0, 1)} }

func TestNextAcceptBackoff(t *testing.T) {
	d := nextAcceptBackoff(0)
	assert.Equal(t, 5*time.Millisecond, d)
	assert.Equal(t, 10*time.Millisecond, nextAcceptBackoff(d))
	assert.Equal(t, time.Second, nextAcceptBackoff(800*time.Millisecond))
	assert.Equal(t, time.Second, nextAcceptBackoff(time.Second))
}
