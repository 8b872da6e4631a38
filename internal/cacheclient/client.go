// Package cacheclient wraps a memcached client bound to a single endpoint.
//
// A Client is created already configured by New; there is no usable zero
// value. Callers must Close it when done, and every operation after Close
// fails with ErrClosed.
package cacheclient

import (
	"fmt"
	"io"
	"log/slog"
	"math"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bradfitz/gomemcache/memcache"

	"github.com/catatsuy/mcdemo/internal/model"
)

// maxRelativeTTL is the largest TTL memcached treats as relative seconds.
const maxRelativeTTL = 30 * 24 * time.Hour

const maxKeyLength = 250

// Option configures a Client in New.
type Option func(*Client)

// WithTimeout sets the socket read/write timeout. Zero keeps the library default.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		c.mc.Timeout = d
	}
}

// WithLogger sets the logger for per-operation debug logs. nil is ignored.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// Client talks to exactly one memcached endpoint.
type Client struct {
	addr string
	mc   *memcache.Client

	closed    atomic.Bool
	closeOnce sync.Once
	closeErr  error

	logger *slog.Logger
}

// New registers host:port as the only endpoint. It does not dial; the first
// operation opens the connection.
func New(host string, port int, opts ...Option) (*Client, error) {
	if host == "" {
		return nil, &ConnectionError{Code: CodeConnectionFailure, Err: fmt.Errorf("empty host")}
	}
	addr := net.JoinHostPort(host, strconv.Itoa(port))
	if port <= 0 || port > 65535 {
		return nil, &ConnectionError{Addr: addr, Code: CodeConnectionFailure, Err: fmt.Errorf("port %d out of range", port)}
	}

	ss := new(memcache.ServerList)
	if err := ss.SetServers(addr); err != nil {
		return nil, &ConnectionError{Addr: addr, Code: CodeConnectionFailure, Err: err}
	}

	c := &Client{
		addr:   addr,
		mc:     memcache.NewFromSelector(ss),
		logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.With("component", "cacheclient", "addr", addr)
	return c, nil
}

func (c *Client) Addr() string {
	return c.addr
}

// Set stores value under key. ttl is truncated to whole seconds, except that
// a sub-second ttl becomes one second. 0 means the entry never expires. A ttl
// ending after the largest 32-bit Unix time is rejected with a *RequestError.
func (c *Client) Set(key string, value []byte, ttl time.Duration, flags uint32) error {
	if c.closed.Load() {
		return ErrClosed
	}
	if err := checkKey(key); err != nil {
		return err
	}
	exp, err := expiration(ttl)
	if err != nil {
		return err
	}

	err = c.mc.Set(&memcache.Item{Key: key, Value: value, Flags: flags, Expiration: exp})
	c.logger.Debug("set", "key", key, "bytes", len(value), "exptime", exp, "err", err)
	return classify(c.addr, err)
}

// Get returns the entry stored under key. A missing key reports found=false
// with a nil error; any error means the lookup itself failed.
func (c *Client) Get(key string) (model.Entry, bool, error) {
	if c.closed.Load() {
		return model.Entry{}, false, ErrClosed
	}
	if err := checkKey(key); err != nil {
		return model.Entry{}, false, err
	}

	item, err := c.mc.Get(key)
	c.logger.Debug("get", "key", key, "hit", err == nil, "err", err)
	if err == memcache.ErrCacheMiss {
		return model.Entry{}, false, nil
	}
	if err != nil {
		return model.Entry{}, false, classify(c.addr, err)
	}

	value := item.Value
	if value == nil {
		value = []byte{}
	}
	return model.Entry{
		Key:        item.Key,
		Value:      value,
		Flags:      item.Flags,
		Expiration: item.Expiration,
	}, true, nil
}

// Delete removes key. A missing key is a *ServerError with CodeNotFound.
func (c *Client) Delete(key string) error {
	if c.closed.Load() {
		return ErrClosed
	}
	if err := checkKey(key); err != nil {
		return err
	}

	err := c.mc.Delete(key)
	c.logger.Debug("delete", "key", key, "err", err)
	return classify(c.addr, err)
}

// Ping checks that the endpoint answers a version request.
func (c *Client) Ping() error {
	if c.closed.Load() {
		return ErrClosed
	}

	err := c.mc.Ping()
	c.logger.Debug("ping", "err", err)
	return classify(c.addr, err)
}

// Close releases idle connections. Calling it again returns the first result.
func (c *Client) Close() error {
	c.closeOnce.Do(func() {
		c.closed.Store(true)
		c.closeErr = c.mc.Close()
		c.logger.Debug("closed", "err", c.closeErr)
	})
	return c.closeErr
}

// checkKey applies the memcached key rules: at most 250 bytes, no spaces or
// control characters.
func checkKey(key string) error {
	if key == "" || len(key) > maxKeyLength {
		return &RequestError{Code: CodeBadKey, Err: memcache.ErrMalformedKey}
	}
	for i := 0; i < len(key); i++ {
		if key[i] <= ' ' || key[i] == 0x7f {
			return &RequestError{Code: CodeBadKey, Err: memcache.ErrMalformedKey}
		}
	}
	return nil
}

func expiration(ttl time.Duration) (int32, error) {
	switch {
	case ttl < 0:
		return 0, &RequestError{Code: CodeClientError, Err: fmt.Errorf("negative ttl %s", ttl)}
	case ttl == 0:
		return 0, nil
	case ttl <= maxRelativeTTL:
		secs := int32(ttl / time.Second)
		if secs == 0 {
			// Sub-second TTLs would otherwise mean "never expire".
			secs = 1
		}
		return secs, nil
	default:
		at := time.Now().Add(ttl).Unix()
		if at > math.MaxInt32 {
			return 0, &RequestError{Code: CodeClientError, Err: fmt.Errorf("ttl %s ends after %s", ttl, time.Unix(math.MaxInt32, 0).UTC().Format(time.RFC3339))}
		}
		return int32(at), nil
	}
}
