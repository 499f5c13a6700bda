package client

import (
	"bufio"
	"errors"
	"io"
	"strings"
	"sync"

	"github.com/bytedance/sonic"

	"taskboard/domain"
)

// ErrStreamEnded reports that the server closed the change stream, for
// example after evicting a slow subscriber or on shutdown.
var ErrStreamEnded = errors.New("change stream ended by server")

const (
	streamBuffer = 256
	maxLineSize  = 1 << 20
)

// sseEvent is one dispatched server-sent event block.
type sseEvent struct {
	comment string
	name    string
	data    string
}

// parseSSE reads event blocks from r and hands each to fn. Returns nil at EOF.
func parseSSE(r io.Reader, fn func(sseEvent)) error {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 4096), maxLineSize)
	var (
		ev      sseEvent
		data    []string
		pending bool
	)
	for sc.Scan() {
		line := sc.Text()
		if line == "" {
			if pending {
				ev.data = strings.Join(data, "\n")
				fn(ev)
			}
			ev, data, pending = sseEvent{}, data[:0], false
			continue
		}
		pending = true
		if strings.HasPrefix(line, ":") {
			ev.comment = strings.TrimSpace(line[1:])
			continue
		}
		field, value, _ := strings.Cut(line, ":")
		value = strings.TrimPrefix(value, " ")
		switch field {
		case "event":
			ev.name = value
		case "data":
			data = append(data, value)
		}
	}
	return sc.Err()
}

// decodeEvent turns a named frame into a change event.
func decodeEvent(name, data string) (domain.ChangeEvent, error) {
	switch name {
	case domain.TaskCreated, domain.TaskUpdated:
		var t domain.Task
		if err := sonic.UnmarshalString(data, &t); err != nil {
			return domain.ChangeEvent{}, err
		}
		if t.ID == "" {
			return domain.ChangeEvent{}, errors.New("event task has no id")
		}
		if name == domain.TaskCreated {
			return domain.Created(t), nil
		}
		return domain.Updated(t), nil
	case domain.TaskDeleted:
		var id string
		if err := sonic.UnmarshalString(data, &id); err != nil {
			return domain.ChangeEvent{}, err
		}
		if id == "" {
			return domain.ChangeEvent{}, errors.New("delete event has no id")
		}
		return domain.Deleted(id), nil
	}
	return domain.ChangeEvent{}, errors.New("unknown event " + name)
}

// Stream is an open change event subscription. Events arrive on Events in
// server order; the channel is closed when the stream ends.
type Stream struct {
	body   io.ReadCloser
	events chan domain.ChangeEvent
	ready  chan struct{}
	ended  chan struct{}
	quit   chan struct{}

	readyOnce sync.Once
	closeOnce sync.Once

	mu      sync.Mutex
	closed  bool
	err     error
	skipped int
}

func newStream(body io.ReadCloser) *Stream {
	s := &Stream{
		body:   body,
		events: make(chan domain.ChangeEvent, streamBuffer),
		ready:  make(chan struct{}),
		ended:  make(chan struct{}),
		quit:   make(chan struct{}),
	}
	go s.read()
	return s
}

func (s *Stream) read() {
	defer close(s.ended)
	defer close(s.events)
	err := parseSSE(s.body, func(f sseEvent) {
		s.readyOnce.Do(func() { close(s.ready) })
		if f.name == "" {
			return
		}
		ev, err := decodeEvent(f.name, f.data)
		if err != nil {
			s.mu.Lock()
			s.skipped++
			s.mu.Unlock()
			return
		}
		select {
		case s.events <- ev:
		case <-s.quit:
		}
	})
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	if err == nil {
		err = ErrStreamEnded
	}
	s.err = err
}

// Events returns the channel of decoded change events.
func (s *Stream) Events() <-chan domain.ChangeEvent { return s.events }

// Err explains why the stream ended: nil after Close, ErrStreamEnded when the
// server finished it, or the transport error.
func (s *Stream) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Skipped counts frames that could not be decoded.
func (s *Stream) Skipped() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.skipped
}

// Close ends the subscription. The server drops the session when the
// connection closes.
func (s *Stream) Close() error {
	var err error
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closed = true
		s.mu.Unlock()
		close(s.quit)
		err = s.body.Close()
	})
	return err
}
