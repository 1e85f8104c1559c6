// Package bus is the C7 bus dispatcher: pattern-subscribes on C1 pub/sub
// and routes incoming messages to the session layer, per spec §4.7. Kept
// free of an import on internal/gateway by routing through the Router
// interface — the gateway supplies the concrete forwarding logic at
// wiring time.
package bus

import (
	"context"
	"log/slog"
	"strings"

	"familycore/internal/store"
)

// Router is the callback surface the gateway supplies; Dispatcher never
// imports internal/gateway directly.
type Router interface {
	RouteFamilyLocation(familyID string, payload []byte)
	RouteFamilyAlert(familyID string, payload []byte)
	RouteUserNotification(userID string, payload []byte)
}

// Dispatcher owns the three pattern subscriptions spec §4.7 names.
type Dispatcher struct {
	store  *store.Client
	router Router
	logger *slog.Logger
}

func New(s *store.Client, router Router, logger *slog.Logger) *Dispatcher {
	return &Dispatcher{store: s, router: router, logger: logger}
}

// Start registers the three pattern subscriptions. Each pattern uses a
// single '*' wildcard on one segment; matching is literal on the others,
// per spec §4.7.
func (d *Dispatcher) Start(ctx context.Context) error {
	if err := d.store.PSubscribe(ctx, "family:*:location", d.handleFamilyLocation); err != nil {
		return err
	}
	if err := d.store.PSubscribe(ctx, "family:*:alerts", d.handleFamilyAlert); err != nil {
		return err
	}
	if err := d.store.PSubscribe(ctx, "user:*:notifications", d.handleUserNotification); err != nil {
		return err
	}
	return nil
}

func (d *Dispatcher) handleFamilyLocation(channel string, payload []byte) {
	familyID, ok := extractSegment(channel, "family:", ":location")
	if !ok {
		return
	}
	d.router.RouteFamilyLocation(familyID, payload)
}

func (d *Dispatcher) handleFamilyAlert(channel string, payload []byte) {
	familyID, ok := extractSegment(channel, "family:", ":alerts")
	if !ok {
		return
	}
	d.router.RouteFamilyAlert(familyID, payload)
}

func (d *Dispatcher) handleUserNotification(channel string, payload []byte) {
	userID, ok := extractSegment(channel, "user:", ":notifications")
	if !ok {
		return
	}
	d.router.RouteUserNotification(userID, payload)
}

func extractSegment(channel, prefix, suffix string) (string, bool) {
	if !strings.HasPrefix(channel, prefix) || !strings.HasSuffix(channel, suffix) {
		return "", false
	}
	return channel[len(prefix) : len(channel)-len(suffix)], true
}
