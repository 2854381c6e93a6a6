package jobapi

import (
	"bufio"
	"context"
	"errors"
	"io"
	"strings"
	"sync"
)

// Frame is one server-sent event. Comment lines (": heartbeat") are reported
// as frames with Comment set so that callers can treat them as liveness.
type Frame struct {
	Event   string
	Data    string
	Comment bool
}

// Stream reads server-sent events from a response body. Next is not safe for
// concurrent use; Close may be called from any goroutine.
type Stream struct {
	body    io.ReadCloser
	scanner *bufio.Scanner
	cancel  context.CancelFunc

	once sync.Once
	err  error
}

// NewStream wraps an already-open event stream body.
func NewStream(body io.ReadCloser) *Stream {
	return newStream(body, nil)
}

func newStream(body io.ReadCloser, cancel context.CancelFunc) *Stream {
	sc := bufio.NewScanner(body)
	sc.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	return &Stream{body: body, scanner: sc, cancel: cancel}
}

// Next blocks until a complete frame arrives. It returns io.EOF when the
// server ends the stream.
func (s *Stream) Next() (Frame, error) {
	var (
		f       Frame
		data    []string
		pending bool
	)
	for s.scanner.Scan() {
		line := strings.TrimRight(s.scanner.Text(), "\r")
		switch {
		case line == "":
			if !pending {
				continue
			}
			f.Data = strings.Join(data, "\n")
			return f, nil
		case strings.HasPrefix(line, ":"):
			if pending {
				continue
			}
			return Frame{Comment: true, Data: strings.TrimSpace(line[1:])}, nil
		default:
			field, value, _ := strings.Cut(line, ":")
			value = strings.TrimPrefix(value, " ")
			switch field {
			case "event":
				f.Event = value
				pending = true
			case "data":
				data = append(data, value)
				pending = true
			}
		}
	}
	if err := s.scanner.Err(); err != nil {
		return Frame{}, err
	}
	if pending {
		f.Data = strings.Join(data, "\n")
		return f, nil
	}
	return Frame{}, io.EOF
}

// Close releases the connection. Safe to call more than once.
func (s *Stream) Close() error {
	s.once.Do(func() {
		if s.cancel != nil {
			s.cancel()
		}
		if err := s.body.Close(); err != nil && !errors.Is(err, context.Canceled) {
			s.err = err
		}
	})
	return s.err
}
