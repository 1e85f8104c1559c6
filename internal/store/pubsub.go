package store

import (
	"context"
	"log/slog"
	"sync"

	"github.com/redis/go-redis/v9"
)

// Handler processes one message delivered on a subscribed channel.
type Handler func(payload []byte)

// PatternHandler processes one message delivered on a psubscribe pattern; it
// receives the concrete channel name the message arrived on.
type PatternHandler func(channel string, payload []byte)

// dispatcher owns the single subscriber connection's *redis.PubSub and fans
// incoming messages out to per-channel and per-pattern handler sets.
//
// The subscribers map is mutated only under mu; delivery copies the handler
// slice out before invoking any handler, per spec §5 "Shared-resource
// policy" (no callback-during-mutation deadlocks).
type dispatcher struct {
	pubsub *redis.PubSub
	logger *slog.Logger

	mu       sync.Mutex
	channels map[string][]Handler
	patterns map[string][]PatternHandler

	done chan struct{}
}

func newDispatcher(sub *redis.Client, logger *slog.Logger) *dispatcher {
	d := &dispatcher{
		pubsub:   sub.PSubscribe(context.Background()),
		logger:   logger,
		channels: make(map[string][]Handler),
		patterns: make(map[string][]PatternHandler),
		done:     make(chan struct{}),
	}
	go d.loop()
	return d
}

func (d *dispatcher) loop() {
	ch := d.pubsub.Channel()
	for {
		select {
		case <-d.done:
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			d.deliver(msg)
		}
	}
}

// deliver invokes every handler matching msg, logging and swallowing any
// panic or handler-local error so one broken subscriber never tears down
// delivery to the others (spec §4.1 "Errors in subscriber delivery are
// logged and swallowed").
func (d *dispatcher) deliver(msg *redis.Message) {
	d.mu.Lock()
	var chHandlers []Handler
	var patHandlers []PatternHandler
	if msg.Pattern == "" || msg.Pattern == msg.Channel {
		chHandlers = append(chHandlers, d.channels[msg.Channel]...)
	} else {
		patHandlers = append(patHandlers, d.patterns[msg.Pattern]...)
	}
	d.mu.Unlock()

	payload := []byte(msg.Payload)
	for _, h := range chHandlers {
		d.safeCall(func() { h(payload) })
	}
	for _, h := range patHandlers {
		d.safeCall(func() { h(msg.Channel, payload) })
	}
}

func (d *dispatcher) safeCall(f func()) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("bus delivery panic", "recovered", r)
		}
	}()
	f()
}

// Subscribe registers handler for channel, opening the subscription with
// Redis on first registration.
func (c *Client) Subscribe(ctx context.Context, channel string, handler Handler) error {
	d := c.dispatch
	d.mu.Lock()
	_, existed := d.channels[channel]
	d.channels[channel] = append(d.channels[channel], handler)
	d.mu.Unlock()

	if !existed {
		if err := d.pubsub.Subscribe(ctx, channel); err != nil {
			return err
		}
	}
	return nil
}

// PSubscribe registers handler for pattern, opening the subscription with
// Redis on first registration.
func (c *Client) PSubscribe(ctx context.Context, pattern string, handler PatternHandler) error {
	d := c.dispatch
	d.mu.Lock()
	_, existed := d.patterns[pattern]
	d.patterns[pattern] = append(d.patterns[pattern], handler)
	d.mu.Unlock()

	if !existed {
		if err := d.pubsub.PSubscribe(ctx, pattern); err != nil {
			return err
		}
	}
	return nil
}

// Unsubscribe removes every handler registered for channel and unsubscribes
// from it at Redis; a single handler cannot be removed on its own.
func (c *Client) Unsubscribe(ctx context.Context, channel string) error {
	d := c.dispatch
	d.mu.Lock()
	delete(d.channels, channel)
	d.mu.Unlock()
	return d.pubsub.Unsubscribe(ctx, channel)
}

func (d *dispatcher) close() {
	select {
	case <-d.done:
	default:
		close(d.done)
	}
	_ = d.pubsub.Close()
}
