package cli

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"runtime"
	"runtime/debug"
	"strconv"
	"syscall"
	"time"

	"github.com/catatsuy/mcdemo/internal/cacheclient"
	"github.com/catatsuy/mcdemo/internal/scenario"
	"github.com/catatsuy/mcdemo/internal/server"
)

const (
	ExitSetupFailed = 1
	ExitBadFlags    = 2
)

var Version string

func version() string {
	if Version != "" {
		return Version
	}

	info, ok := debug.ReadBuildInfo()
	if !ok {
		return "(devel)"
	}

	return info.Main.Version
}

type CLI struct {
	stdout     io.Writer
	stderr     io.Writer
	isTerminal bool
}

func NewCLI(stdout, stderr io.Writer, isTerminal bool) *CLI {
	return &CLI{
		stdout:     stdout,
		stderr:     stderr,
		isTerminal: isTerminal,
	}
}

func (c *CLI) Run(args []string) int {
	opts, err := parseFlags(args[1:], c.stderr)
	if err != nil {
		fmt.Fprintf(c.stderr, "failed to parse flags: %v\n", err)
		return ExitBadFlags
	}
	if opts.showVersion {
		fmt.Fprintf(c.stdout, "mcdemo version %s; %s\n", version(), runtime.Version())
		return 0
	}

	level := slog.LevelWarn
	if opts.verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(c.stderr, &slog.HandlerOptions{Level: level}))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	host, port := opts.host, opts.port
	if opts.local {
		addr, shutdown, err := startLocalServer(ctx, opts, logger)
		if err != nil {
			fmt.Fprintf(c.stderr, "local server failed: %v\n", err)
			return ExitSetupFailed
		}
		defer shutdown()

		host, port, err = splitAddr(addr)
		if err != nil {
			fmt.Fprintf(c.stderr, "local server failed: %v\n", err)
			return ExitSetupFailed
		}
	}

	client, err := cacheclient.New(host, port,
		cacheclient.WithTimeout(opts.timeout),
		cacheclient.WithLogger(logger),
	)
	if err != nil {
		fmt.Fprintf(c.stderr, "Failed to connect MemCached server, error: %d\n", int(cacheclient.CodeOf(err)))
		fmt.Fprintf(c.stderr, "%v\n", err)
		return ExitSetupFailed
	}

	if opts.ping {
		if err := client.Ping(); err != nil {
			fmt.Fprintf(c.stderr, "Failed to connect MemCached server, error: %d\n", int(cacheclient.CodeOf(err)))
			fmt.Fprintf(c.stderr, "%v\n", err)
			_ = client.Close()
			return ExitSetupFailed
		}
	}

	return scenario.Run(client, c.stdout, c.stderr, scenario.Options{
		Key:        opts.key,
		Value:      opts.value,
		MissingKey: opts.missingKey,
		Color:      c.isTerminal,
	})
}

// startLocalServer serves on opts.host:opts.port until the returned shutdown
// func is called or ctx is done.
func startLocalServer(ctx context.Context, opts options, logger *slog.Logger) (string, func(), error) {
	ctx, cancel := context.WithCancel(ctx)
	srv := server.NewServer(server.Config{
		ListenAddr: net.JoinHostPort(opts.host, strconv.Itoa(opts.port)),
		Version:    version(),
		Verbose:    opts.verbose,
		Logger:     logger,
	})

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Serve(ctx)
	}()

	select {
	case <-srv.Ready():
	case err := <-errCh:
		cancel()
		if err == nil {
			err = fmt.Errorf("server exited before ready")
		}
		return "", nil, err
	case <-time.After(3 * time.Second):
		cancel()
		return "", nil, fmt.Errorf("server did not become ready")
	}

	shutdown := func() {
		cancel()
		select {
		case err := <-errCh:
			if err != nil {
				logger.Error("local server stopped", "err", err)
			}
		case <-time.After(3 * time.Second):
			logger.Error("local server shutdown timeout")
		}
	}
	return srv.Addr(), shutdown, nil
}

func splitAddr(addr string) (string, int, error) {
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return "", 0, err
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return "", 0, err
	}
	return host, port, nil
}
