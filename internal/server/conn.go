package server

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"net"

	"github.com/catatsuy/mcdemo/internal/cache"
)

func (s *Server) handleConn(conn net.Conn) {
	defer conn.Close()

	r := bufio.NewReader(conn)
	w := bufio.NewWriter(conn)

	for {
		line, err := readCommandLine(r)
		if err != nil {
			if !errors.Is(err, io.EOF) {
				s.logf("read error", "remote", conn.RemoteAddr().String(), "err", err)
			}
			return
		}

		req, err := parseLine(line)
		if err != nil {
			err = writeError(w, "ERROR")
		} else {
			s.logf("command", "cmd", req.cmd, "args", len(req.args))
			switch req.cmd {
			case "quit":
				_ = w.Flush()
				return
			case "get":
				err = s.writeValues(w, req.args, false)
			case "gets":
				err = s.writeValues(w, req.args, true)
			case "set":
				err = s.handleSet(r, w, req.args)
			case "delete":
				err = s.handleDelete(w, req.args)
			case "version":
				_, err = fmt.Fprintf(w, "VERSION %s\r\n", s.version())
			default:
				err = writeError(w, "ERROR")
			}
		}
		if err != nil {
			return
		}
		if err := w.Flush(); err != nil {
			return
		}
	}
}

func (s *Server) writeValues(w *bufio.Writer, keys []string, withCAS bool) error {
	if len(keys) == 0 {
		return writeError(w, "ERROR")
	}

	for _, key := range keys {
		item, ok := s.cache.Get(key)
		if !ok {
			continue
		}
		var err error
		if withCAS {
			_, err = fmt.Fprintf(w, "VALUE %s %d %d %d\r\n", key, item.Flags, len(item.Value), item.CAS)
		} else {
			_, err = fmt.Fprintf(w, "VALUE %s %d %d\r\n", key, item.Flags, len(item.Value))
		}
		if err != nil {
			return err
		}
		if _, err := w.Write(item.Value); err != nil {
			return err
		}
		if _, err := w.WriteString("\r\n"); err != nil {
			return err
		}
	}
	_, err := w.WriteString("END\r\n")
	return err
}

func (s *Server) handleSet(r *bufio.Reader, w *bufio.Writer, args []string) error {
	sa, err := parseStoreArgs(args)
	if err != nil {
		return writeError(w, "CLIENT_ERROR "+err.Error())
	}

	if !s.cache.Fits(sa.key, sa.bytesN) {
		if err := discardDataBlock(r, sa.bytesN); err != nil {
			if errors.Is(err, errBadTerminator) {
				return writeError(w, "CLIENT_ERROR bad data chunk")
			}
			return err
		}
		s.logf("set rejected", "key", sa.key, "bytes", sa.bytesN)
		if sa.noreply {
			return nil
		}
		return writeError(w, "SERVER_ERROR "+cache.ErrObjectTooLarge.Error())
	}

	value, err := readDataBlock(r, sa.bytesN)
	if err != nil {
		if errors.Is(err, errBadTerminator) {
			return writeError(w, "CLIENT_ERROR bad data chunk")
		}
		return err
	}

	reply := "STORED\r\n"
	if err := s.cache.Set(sa.key, sa.flags, sa.exptime, value); err != nil {
		if errors.Is(err, cache.ErrObjectTooLarge) || errors.Is(err, cache.ErrNoSpace) {
			reply = "SERVER_ERROR " + err.Error() + "\r\n"
		} else {
			reply = "SERVER_ERROR internal error\r\n"
		}
	}
	if sa.noreply {
		return nil
	}
	_, err = w.WriteString(reply)
	return err
}

func (s *Server) handleDelete(w *bufio.Writer, args []string) error {
	key, noreply, err := parseDeleteArgs(args)
	if err != nil {
		return writeError(w, "CLIENT_ERROR "+err.Error())
	}

	reply := "NOT_FOUND\r\n"
	if s.cache.Delete(key) {
		reply = "DELETED\r\n"
	}
	if noreply {
		return nil
	}
	_, err = w.WriteString(reply)
	return err
}

func writeError(w *bufio.Writer, msg string) error {
	_, err := fmt.Fprintf(w, "%s\r\n", msg)
	return err
}
