package broadcast

import (
	"context"
	"sync"
	"time"

	"github.com/bytedance/sonic"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"

	"taskboard/domain"
)

const (
	DefaultRelayChannel = "taskboard:events"
	relayOutboxSize     = 1024
	relayPublishTimeout = 5 * time.Second
)

type envelope struct {
	Origin string             `json:"origin"`
	Event  domain.ChangeEvent `json:"event"`
}

// Relay shares change events between server instances over Redis pub/sub.
// Local events go to the Redis channel tagged with this instance's id;
// events from other instances are delivered to the local publisher.
type Relay struct {
	client   *redis.Client
	channel  string
	instance string
	local    domain.Publisher
	log      *log.Logger
	retry    time.Duration

	outbox chan domain.ChangeEvent
	once   sync.Once
	done   chan struct{}
}

func NewRelay(client *redis.Client, channel string, local domain.Publisher, logger *log.Logger) *Relay {
	if channel == "" {
		channel = DefaultRelayChannel
	}
	if logger == nil {
		logger = log.StandardLogger()
	}
	return &Relay{
		client:   client,
		channel:  channel,
		instance: uuid.NewString(),
		local:    local,
		log:      logger,
		retry:    time.Second,
		outbox:   make(chan domain.ChangeEvent, relayOutboxSize),
		done:     make(chan struct{}),
	}
}

// Instance returns the id stamped on outgoing events.
func (r *Relay) Instance() string { return r.instance }

// Publish queues ev for other instances. It does not deliver locally.
func (r *Relay) Publish(ev domain.ChangeEvent) {
	select {
	case r.outbox <- ev:
	default:
		r.log.WithFields(log.Fields{"event": ev.Type, "task": ev.ID()}).Error("relay outbox full, dropping event")
	}
}

// Run forwards queued events and listens for remote ones until ctx ends.
func (r *Relay) Run(ctx context.Context) {
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		r.forward(ctx)
	}()
	go func() {
		defer wg.Done()
		r.subscribe(ctx)
	}()
	wg.Wait()
	r.once.Do(func() { close(r.done) })
}

// Done is closed once Run has returned.
func (r *Relay) Done() <-chan struct{} { return r.done }

func (r *Relay) forward(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-r.outbox:
			data, err := sonic.Marshal(envelope{Origin: r.instance, Event: ev})
			if err != nil {
				r.log.WithError(err).Error("marshal relay event")
				continue
			}
			pctx, cancel := context.WithTimeout(ctx, relayPublishTimeout)
			err = r.client.Publish(pctx, r.channel, data).Err()
			cancel()
			if err != nil {
				r.log.WithError(err).WithField("event", ev.Type).Error("relay publish failed")
			}
		}
	}
}

func (r *Relay) subscribe(ctx context.Context) {
	for {
		sub := r.client.Subscribe(ctx, r.channel)
		ch := sub.Channel()
	recv:
		for {
			select {
			case <-ctx.Done():
				_ = sub.Close()
				return
			case msg, ok := <-ch:
				if !ok {
					break recv
				}
				r.deliver(msg.Payload)
			}
		}
		_ = sub.Close()
		if ctx.Err() != nil {
			return
		}
		r.log.Error("relay pubsub channel closed, reconnecting")
		select {
		case <-ctx.Done():
			return
		case <-time.After(r.retry):
		}
	}
}

func (r *Relay) deliver(payload string) {
	var env envelope
	if err := sonic.UnmarshalString(payload, &env); err != nil {
		r.log.WithError(err).Error("unable to parse relay event")
		return
	}
	if env.Origin == r.instance {
		return
	}
	if !env.Event.Valid() {
		r.log.WithField("event", env.Event.Type).Warn("ignoring malformed relay event")
		return
	}
	r.local.Publish(env.Event)
}
