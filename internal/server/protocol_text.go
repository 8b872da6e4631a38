package server

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
)

const maxKeyLength = 250

var errBadTerminator = errors.New("invalid chunk terminator")

type request struct {
	cmd  string
	args []string
}

type storeArgs struct {
	key     string
	flags   uint32
	exptime int64
	bytesN  int
	noreply bool
}

func parseLine(line string) (request, error) {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return request{}, fmt.Errorf("empty command")
	}
	return request{cmd: strings.ToLower(fields[0]), args: fields[1:]}, nil
}

// parseStoreArgs parses "<key> <flags> <exptime> <bytes> [noreply]".
func parseStoreArgs(args []string) (storeArgs, error) {
	var sa storeArgs
	if len(args) == 5 && args[4] == "noreply" {
		sa.noreply = true
		args = args[:4]
	}
	if len(args) != 4 {
		return storeArgs{}, fmt.Errorf("bad command line format")
	}
	if !validKey(args[0]) {
		return storeArgs{}, fmt.Errorf("bad command line format")
	}
	sa.key = args[0]

	flags, err := strconv.ParseUint(args[1], 10, 32)
	if err != nil {
		return storeArgs{}, fmt.Errorf("invalid flags")
	}
	sa.flags = uint32(flags)

	sa.exptime, err = strconv.ParseInt(args[2], 10, 64)
	if err != nil {
		return storeArgs{}, fmt.Errorf("invalid exptime")
	}

	n, err := strconv.ParseInt(args[3], 10, 32)
	if err != nil || n < 0 {
		return storeArgs{}, fmt.Errorf("invalid bytes")
	}
	sa.bytesN = int(n)
	return sa, nil
}

// parseDeleteArgs parses "<key> [0] [noreply]". Only a zero hold time is accepted.
func parseDeleteArgs(args []string) (key string, noreply bool, err error) {
	if n := len(args); n > 1 && args[n-1] == "noreply" {
		noreply = true
		args = args[:n-1]
	}
	switch len(args) {
	case 1:
	case 2:
		if args[1] != "0" {
			return "", false, fmt.Errorf("bad command line format. Usage: delete <key> [noreply]")
		}
	default:
		return "", false, fmt.Errorf("bad command line format. Usage: delete <key> [noreply]")
	}
	if !validKey(args[0]) {
		return "", false, fmt.Errorf("bad command line format")
	}
	return args[0], noreply, nil
}

func validKey(key string) bool {
	return key != "" && len(key) <= maxKeyLength
}

// readCommandLine accepts CRLF, LF, CR and CR NUL (common telnet newline).
func readCommandLine(r *bufio.Reader) (string, error) {
	var buf bytes.Buffer
	for {
		b, err := r.ReadByte()
		if err != nil {
			if errors.Is(err, io.EOF) && buf.Len() > 0 {
				return buf.String(), nil
			}
			return "", err
		}
		if b == '\n' {
			return buf.String(), nil
		}
		if b != '\r' {
			buf.WriteByte(b)
			continue
		}
		if err := skipAfterCR(r, true); err != nil {
			return "", err
		}
		return buf.String(), nil
	}
}

// readDataBlock reads exactly n payload bytes followed by a line terminator.
func readDataBlock(r *bufio.Reader, n int) ([]byte, error) {
	value := make([]byte, n)
	if _, err := io.ReadFull(r, value); err != nil {
		return nil, err
	}
	if err := readTerminator(r); err != nil {
		return nil, err
	}
	return value, nil
}

// discardDataBlock skips n payload bytes and their terminator without
// buffering them.
func discardDataBlock(r *bufio.Reader, n int) error {
	if _, err := r.Discard(n); err != nil {
		return err
	}
	return readTerminator(r)
}

func readTerminator(r *bufio.Reader) error {
	b, err := r.ReadByte()
	if err != nil {
		return err
	}
	switch b {
	case '\n':
		return nil
	case '\r':
		return skipAfterCR(r, false)
	default:
		return errBadTerminator
	}
}

// skipAfterCR consumes the LF or NUL that may follow a CR. A lenient reader
// leaves any other byte in place; a strict one rejects it.
func skipAfterCR(r *bufio.Reader, lenient bool) error {
	next, err := r.ReadByte()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return nil
		}
		return err
	}
	if next == '\n' || next == 0x00 {
		return nil
	}
	if !lenient {
		return errBadTerminator
	}
	return r.UnreadByte()
}
