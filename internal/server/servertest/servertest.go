// Package servertest starts an in-process memcached server for tests.
package servertest

import (
	"context"
	"testing"
	"time"

	"github.com/catatsuy/mcdemo/internal/server"
)

// Start runs a server on a random loopback port and stops it when the test ends.
func Start(t testing.TB) string {
	t.Helper()

	ctx, cancel := context.WithCancel(context.Background())
	srv := server.NewServer(server.Config{
		ListenAddr: "127.0.0.1:0",
	})

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Serve(ctx)
	}()

	select {
	case <-srv.Ready():
	case err := <-errCh:
		cancel()
		t.Fatalf("server failed before ready: %v", err)
	case <-time.After(3 * time.Second):
		cancel()
		t.Fatalf("server did not become ready")
	}

	t.Cleanup(func() {
		cancel()
		select {
		case <-errCh:
		case <-time.After(3 * time.Second):
			t.Errorf("server shutdown timeout")
		}
	})

	addr := srv.Addr()
	if addr == "" {
		t.Fatalf("server address is empty")
	}
	return addr
}
