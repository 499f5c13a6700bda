package client

import (
	"errors"
	"io"
	"strings"
	"testing"
	"time"

	"taskboard/domain"
)

func TestParseSSE(t *testing.T) {
	input := ":ok\n\n" +
		"event: taskCreated\ndata: {\"id\":\"1\"}\n\n" +
		"event:taskDeleted\r\ndata:\"1\"\r\n\r\n" +
		"id: 7\nretry: 100\nevent: multi\ndata: a\ndata: b\n\n" +
		":keepalive\n\n" +
		"event: trailing\ndata: x\n"

	var got []sseEvent
	if err := parseSSE(strings.NewReader(input), func(ev sseEvent) { got = append(got, ev) }); err != nil {
		t.Fatalf("parse: %v", err)
	}
	want := []sseEvent{
		{comment: "ok"},
		{name: "taskCreated", data: `{"id":"1"}`},
		{name: "taskDeleted", data: `"1"`},
		{name: "multi", data: "a\nb"},
		{comment: "keepalive"},
	}
	if len(got) != len(want) {
		t.Fatalf("expected %d events, got %d: %+v", len(want), len(got), got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("event %d: expected %+v, got %+v", i, want[i], got[i])
		}
	}
}

func TestDecodeEvent(t *testing.T) {
	ev, err := decodeEvent(domain.TaskCreated, `{"id":"1","title":"T1","priority":"High"}`)
	if err != nil || ev.Type != domain.TaskCreated || ev.Task.Title != "T1" || ev.ID() != "1" {
		t.Fatalf("unexpected created event %+v %v", ev, err)
	}
	ev, err = decodeEvent(domain.TaskUpdated, `{"id":"1","title":"T2"}`)
	if err != nil || ev.Type != domain.TaskUpdated || ev.Task.Title != "T2" {
		t.Fatalf("unexpected updated event %+v %v", ev, err)
	}
	ev, err = decodeEvent(domain.TaskDeleted, `"1"`)
	if err != nil || ev.Type != domain.TaskDeleted || ev.ID() != "1" || ev.Task != nil {
		t.Fatalf("unexpected deleted event %+v %v", ev, err)
	}

	bad := []struct{ name, data string }{
		{domain.TaskCreated, `{"title":"no id"}`},
		{domain.TaskUpdated, `not json`},
		{domain.TaskDeleted, `""`},
		{domain.TaskDeleted, `{"id":"1"}`},
		{"taskArchived", `"1"`},
	}
	for _, b := range bad {
		if _, err := decodeEvent(b.name, b.data); err == nil {
			t.Fatalf("expected error for %s %s", b.name, b.data)
		}
	}
}

func TestStreamDeliversAndSkipsMalformed(t *testing.T) {
	pr, pw := io.Pipe()
	s := newStream(pr)
	go func() {
		io.WriteString(pw, ":ok\n\nevent: taskDeleted\ndata: nope\n\nevent: taskDeleted\ndata: \"9\"\n\n")
		pw.Close()
	}()

	select {
	case <-s.ready:
	case <-time.After(time.Second):
		t.Fatalf("stream never became ready")
	}
	var got []domain.ChangeEvent
	for ev := range s.Events() {
		got = append(got, ev)
	}
	if len(got) != 1 || got[0].ID() != "9" {
		t.Fatalf("unexpected events %+v", got)
	}
	if s.Skipped() != 1 {
		t.Fatalf("expected 1 skipped frame, got %d", s.Skipped())
	}
	if !errors.Is(s.Err(), ErrStreamEnded) {
		t.Fatalf("expected ErrStreamEnded, got %v", s.Err())
	}
}

func TestStreamCloseReportsNoError(t *testing.T) {
	pr, pw := io.Pipe()
	defer pw.Close()
	s := newStream(pr)
	s.Close()
	select {
	case _, ok := <-s.Events():
		if ok {
			t.Fatalf("unexpected event")
		}
	case <-time.After(time.Second):
		t.Fatalf("events not closed after Close")
	}
	if s.Err() != nil {
		t.Fatalf("expected nil error after Close, got %v", s.Err())
	}
	if err := s.Close(); err != nil {
		t.Fatalf("second close: %v", err)
	}
}
