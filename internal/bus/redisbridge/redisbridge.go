// Package redisbridge mirrors internal/bus events onto a Redis Pub/Sub
// channel so a second conductord process (or an external dashboard that
// can't hold a direct subscription) sees the same event stream. Grounded
// on the go-redis/v9 client construction and usage style in
// basegraphhq-basegraph/relay's queue producer/consumer pair and
// goadesign-goa-ai/registry's result-stream manager — both build a
// *redis.Client once at startup and pass it to a small wrapper type
// rather than threading connection details through every call site.
package redisbridge

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/redis/go-redis/v9"

	"github.com/loopworks/conductor/internal/bus"
	"github.com/loopworks/conductor/internal/telemetry"
)

// wireEvent is the JSON shape published on the channel. Payload is
// re-encoded as-is; a subscriber on the other side only needs Type and
// Source to route the event, same as a local bus.Handler would.
type wireEvent struct {
	Type    string `json:"type"`
	Source  string `json:"source"`
	Payload any    `json:"payload"`
}

// relayedPrefix marks an Event.Source that Replay injected onto the local
// bus, so Forward's own subscriber knows not to publish it straight back
// to Redis.
const relayedPrefix = "redisbridge:"

// Bridge forwards local bus events to Redis and replays remote events
// back onto a local bus, so two conductord processes sharing one Redis
// instance converge on the same SSE stream.
type Bridge struct {
	client  *redis.Client
	channel string
}

// New returns a Bridge publishing to and subscribing on channel, using a
// client built from redisURL (e.g. "redis://localhost:6379/0").
func New(redisURL, channel string) (*Bridge, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, err
	}
	return &Bridge{client: redis.NewClient(opts), channel: channel}, nil
}

// Forward subscribes to local and republishes every event it sees onto
// the Redis channel. Run it in its own goroutine; it returns when ctx is
// cancelled.
func (b *Bridge) Forward(ctx context.Context, local *bus.Bus) {
	local.SubscribeAll(func(ctx context.Context, ev bus.Event) {
		if strings.HasPrefix(ev.Source, relayedPrefix) {
			return
		}
		data, err := json.Marshal(wireEvent{Type: ev.Type, Source: ev.Source, Payload: ev.Payload})
		if err != nil {
			telemetry.Error(ctx, "redisbridge: marshal event", err, telemetry.KV{K: "origin", V: "redisbridge"}, telemetry.KV{K: "event_type", V: ev.Type})
			return
		}
		if err := b.client.Publish(ctx, b.channel, data).Err(); err != nil {
			telemetry.Error(ctx, "redisbridge: publish event", err, telemetry.KV{K: "origin", V: "redisbridge"}, telemetry.KV{K: "event_type", V: ev.Type})
		}
	})
	<-ctx.Done()
}

// Replay subscribes to the Redis channel and publishes every message it
// receives onto local, tagging re-published events so Replay loops
// started on both ends of a bridge don't echo forever. It blocks until
// ctx is cancelled or the subscription errors.
func (b *Bridge) Replay(ctx context.Context, local *bus.Bus) error {
	sub := b.client.Subscribe(ctx, b.channel)
	defer sub.Close()

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			var we wireEvent
			if err := json.Unmarshal([]byte(msg.Payload), &we); err != nil {
				telemetry.Error(ctx, "redisbridge: unmarshal event", err, telemetry.KV{K: "origin", V: "redisbridge"})
				continue
			}
			source := we.Source
			if !strings.HasPrefix(source, relayedPrefix) {
				source = relayedPrefix + source
			}
			local.Publish(bus.Event{Type: we.Type, Source: source, Payload: we.Payload})
		}
	}
}

// Close releases the underlying Redis client.
func (b *Bridge) Close() error {
	return b.client.Close()
}
