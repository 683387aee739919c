package transport

import (
	"bufio"
	"bytes"
	"context"
	"io"
	"os"
	"sync"

	"rpcsession/internal/domain"
)

// Stream frames envelopes as newline-delimited JSON over a byte stream,
// e.g. a subprocess's stdin and stdout.
type Stream struct {
	r io.Reader
	w io.Writer

	writeMu   sync.Mutex
	in        chan domain.Inbound
	done      chan struct{}
	closeOnce sync.Once
	closers   []io.Closer
}

// NewStream reads envelopes from r and writes them to w. If r or w
// implements io.Closer it is closed by Close.
func NewStream(r io.Reader, w io.Writer) *Stream {
	s := &Stream{
		r:    r,
		w:    w,
		in:   make(chan domain.Inbound),
		done: make(chan struct{}),
	}
	if c, ok := r.(io.Closer); ok {
		s.closers = append(s.closers, c)
	}
	if c, ok := w.(io.Closer); ok {
		s.closers = append(s.closers, c)
	}
	go s.readLoop()
	return s
}

// NewStdio serves over the process's own stdin and stdout. Stdio is not
// closed by Close.
func NewStdio() *Stream {
	s := NewStream(io.NopCloser(os.Stdin), os.Stdout)
	s.closers = nil
	return s
}

func (s *Stream) readLoop() {
	defer close(s.in)
	scanner := bufio.NewScanner(s.r)
	scanner.Buffer(make([]byte, 0, 64*1024), MaxMessageSize)
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		data := append([]byte(nil), line...)
		select {
		case s.in <- domain.Inbound{Data: data}:
		case <-s.done:
			return
		}
	}
	if err := scanner.Err(); err != nil {
		select {
		case s.in <- domain.Inbound{Err: err}:
		case <-s.done:
		}
	}
}

func (s *Stream) Incoming() <-chan domain.Inbound { return s.in }

// Send writes data followed by a newline. data must not contain raw
// newlines, which encoding/json never emits.
func (s *Stream) Send(ctx context.Context, data []byte) error {
	select {
	case <-s.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	default:
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	buf := make([]byte, 0, len(data)+1)
	buf = append(buf, data...)
	buf = append(buf, '\n')
	_, err := s.w.Write(buf)
	return err
}

func (s *Stream) Close() error {
	var first error
	s.closeOnce.Do(func() {
		close(s.done)
		for _, c := range s.closers {
			if err := c.Close(); err != nil && first == nil {
				first = err
			}
		}
	})
	return first
}

var _ domain.Transport = (*Stream)(nil)
