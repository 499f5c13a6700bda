package broadcast

import (
	"context"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus/hooks/test"

	"taskboard/domain"
)

func TestRelayDeliversToOtherInstances(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("start miniredis: %v", err)
	}
	t.Cleanup(mr.Close)
	logger, _ := test.NewNullLogger()

	newInstance := func() (*Hub, *Relay) {
		client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
		t.Cleanup(func() { _ = client.Close() })
		hub := NewHub(8, WithHubLogger(logger))
		t.Cleanup(hub.Close)
		return hub, NewRelay(client, "test:events", hub, logger)
	}
	hubA, relayA := newInstance()
	hubB, relayB := newInstance()
	if relayA.Instance() == relayB.Instance() {
		t.Fatalf("instances must have distinct ids")
	}

	ctx, cancel := context.WithCancel(context.Background())
	go relayA.Run(ctx)
	go relayB.Run(ctx)
	t.Cleanup(func() {
		cancel()
		<-relayA.Done()
		<-relayB.Done()
	})

	deadline := time.Now().Add(2 * time.Second)
	for mr.PubSubNumSub("test:events")["test:events"] < 2 {
		if time.Now().After(deadline) {
			t.Fatalf("relays did not subscribe")
		}
		time.Sleep(5 * time.Millisecond)
	}

	subA, _ := hubA.Subscribe("a")
	subB, _ := hubB.Subscribe("b")

	// the gateway publishes locally and to the relay
	local := Fanout{hubA, relayA}
	local.Publish(domain.Created(domain.Task{ID: "t1", Title: "T1", Priority: domain.PriorityHigh}))

	if got := recv(t, subA); got.Task == nil || got.Task.ID != "t1" {
		t.Fatalf("local hub got %#v", got)
	}
	if got := recv(t, subB); got.Type != domain.TaskCreated || got.Task.Priority != domain.PriorityHigh {
		t.Fatalf("remote hub got %#v", got)
	}
	select {
	case ev := <-subA.C:
		t.Fatalf("own event echoed back: %#v", ev)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestRelayIgnoresMalformedPayloads(t *testing.T) {
	logger, hook := test.NewNullLogger()
	hub := NewHub(4, WithHubLogger(logger))
	t.Cleanup(hub.Close)
	sub, _ := hub.Subscribe("a")
	r := NewRelay(nil, "", hub, logger)

	r.deliver("{broken")
	r.deliver(`{"origin":"other","event":{"event":"taskUpdated"}}`)
	r.deliver(`{"origin":"` + r.Instance() + `","event":{"event":"taskDeleted","id":"x"}}`)
	r.deliver(`{"origin":"other","event":{"event":"taskDeleted","id":"y"}}`)

	if got := recv(t, sub); got.TaskID != "y" {
		t.Fatalf("unexpected event %#v", got)
	}
	if len(hook.AllEntries()) != 2 {
		t.Fatalf("expected 2 log entries, got %d", len(hook.AllEntries()))
	}
}
