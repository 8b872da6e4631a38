package cacheclient

import (
	"errors"
	"fmt"
	"io"
	"net"
	"strings"

	"github.com/bradfitz/gomemcache/memcache"
)

// ReturnCode classifies the outcome of a cache operation.
type ReturnCode int

const (
	CodeSuccess ReturnCode = iota
	CodeFailure
	CodeConnectionFailure
	CodeWriteFailure
	CodeReadFailure
	CodeTimeout
	CodeNotStored
	CodeNotFound
	CodeDataExists
	CodeServerError
	CodeClientError
	CodeBadKey
	CodeClosed
)

var codeNames = [...]string{
	CodeSuccess:           "SUCCESS",
	CodeFailure:           "FAILURE",
	CodeConnectionFailure: "CONNECTION FAILURE",
	CodeWriteFailure:      "WRITE FAILURE",
	CodeReadFailure:       "READ FAILURE",
	CodeTimeout:           "TIMEOUT",
	CodeNotStored:         "NOT STORED",
	CodeNotFound:          "NOT FOUND",
	CodeDataExists:        "DATA EXISTS",
	CodeServerError:       "SERVER ERROR",
	CodeClientError:       "CLIENT ERROR",
	CodeBadKey:            "BAD KEY PROVIDED",
	CodeClosed:            "CLIENT CLOSED",
}

func (c ReturnCode) String() string {
	if c >= 0 && int(c) < len(codeNames) {
		return codeNames[c]
	}
	return fmt.Sprintf("ReturnCode(%d)", int(c))
}

// ErrClosed is returned by every operation after Close.
var ErrClosed = errors.New("cacheclient: client is closed")

// ConnectionError reports that the endpoint could not be registered or reached.
type ConnectionError struct {
	Addr string
	Code ReturnCode
	Err  error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("connection error %d (%s) for %s: %v", int(e.Code), e.Code, e.Addr, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// ServerError reports a non-success status for a request the server received.
type ServerError struct {
	Code ReturnCode
	Err  error
}

func (e *ServerError) Error() string {
	return fmt.Sprintf("server error %d (%s): %v", int(e.Code), e.Code, e.Err)
}

func (e *ServerError) Unwrap() error { return e.Err }

// RequestError reports a request rejected by the client before any I/O,
// such as a malformed key or an unrepresentable ttl.
type RequestError struct {
	Code ReturnCode
	Err  error
}

func (e *RequestError) Error() string {
	return fmt.Sprintf("request error %d (%s): %v", int(e.Code), e.Code, e.Err)
}

func (e *RequestError) Unwrap() error { return e.Err }

// CodeOf returns the ReturnCode carried by err, CodeSuccess for nil and
// CodeFailure for errors from outside this package.
func CodeOf(err error) ReturnCode {
	if err == nil {
		return CodeSuccess
	}
	if errors.Is(err, ErrClosed) {
		return CodeClosed
	}
	var ce *ConnectionError
	if errors.As(err, &ce) {
		return ce.Code
	}
	var se *ServerError
	if errors.As(err, &se) {
		return se.Code
	}
	var re *RequestError
	if errors.As(err, &re) {
		return re.Code
	}
	return CodeFailure
}

// classify turns an error from the memcache library into a *ConnectionError
// or a *ServerError.
func classify(addr string, err error) error {
	if err == nil {
		return nil
	}

	switch {
	case errors.Is(err, memcache.ErrCacheMiss):
		return &ServerError{Code: CodeNotFound, Err: err}
	case errors.Is(err, memcache.ErrNotStored):
		return &ServerError{Code: CodeNotStored, Err: err}
	case errors.Is(err, memcache.ErrCASConflict):
		return &ServerError{Code: CodeDataExists, Err: err}
	case errors.Is(err, memcache.ErrMalformedKey):
		return &ServerError{Code: CodeBadKey, Err: err}
	case errors.Is(err, memcache.ErrServerError):
		return &ServerError{Code: CodeServerError, Err: err}
	case errors.Is(err, memcache.ErrNoServers):
		return &ConnectionError{Addr: addr, Code: CodeConnectionFailure, Err: err}
	case errors.Is(err, io.EOF), errors.Is(err, io.ErrUnexpectedEOF):
		return &ConnectionError{Addr: addr, Code: CodeReadFailure, Err: err}
	}

	var cte *memcache.ConnectTimeoutError
	if errors.As(err, &cte) {
		return &ConnectionError{Addr: addr, Code: CodeTimeout, Err: err}
	}

	var oe *net.OpError
	if errors.As(err, &oe) {
		code := CodeConnectionFailure
		switch {
		case oe.Timeout():
			code = CodeTimeout
		case oe.Op == "read":
			code = CodeReadFailure
		case oe.Op == "write":
			code = CodeWriteFailure
		}
		return &ConnectionError{Addr: addr, Code: code, Err: err}
	}

	var ne net.Error
	if errors.As(err, &ne) {
		code := CodeConnectionFailure
		if ne.Timeout() {
			code = CodeTimeout
		}
		return &ConnectionError{Addr: addr, Code: code, Err: err}
	}

	msg := err.Error()
	switch {
	case strings.Contains(msg, "SERVER_ERROR"):
		return &ServerError{Code: CodeServerError, Err: err}
	case strings.Contains(msg, "CLIENT_ERROR"), strings.Contains(msg, "client error"):
		return &ServerError{Code: CodeClientError, Err: err}
	}
	return &ServerError{Code: CodeFailure, Err: err}
}
