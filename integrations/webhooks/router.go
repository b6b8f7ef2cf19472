package webhooks

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/google/uuid"

	"settlechain/core/events"
	"settlechain/native/escrow"
	"settlechain/observability"
)

// SettlementEvents are forwarded when an endpoint does not list its own.
var SettlementEvents = []string{
	escrow.EventTypeEscrowReleased,
	escrow.EventTypeEscrowRefunded,
	escrow.EventTypeEscrowResolved,
}

type route struct {
	name       string
	dispatcher *Dispatcher
	events     map[string]struct{}
}

func (r route) wants(eventType string) bool {
	_, ok := r.events[eventType]
	return ok
}

// Router fans committed events out to the configured endpoints. It implements
// events.Emitter and never blocks the caller.
type Router struct {
	routes   []route
	heightFn func() uint64
	logger   *slog.Logger
}

// NewRouter builds one dispatcher per endpoint. Secrets are resolved from the
// environment at construction time.
func NewRouter(cfg Config, heightFn func() uint64, logger *slog.Logger, client *http.Client) (*Router, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	router := &Router{heightFn: heightFn, logger: logger.With("component", "webhooks")}
	for i, ep := range cfg.Endpoints {
		secret, err := ep.Secret()
		if err != nil {
			router.Close()
			return nil, err
		}
		opts := []Option{
			WithLogger(logger),
			WithRetryPolicy(cfg.Retry.MaxAttempts, cfg.Retry.MinBackoff.Duration, cfg.Retry.MaxBackoff.Duration),
		}
		if client != nil {
			opts = append(opts, WithHTTPClient(client))
		} else if cfg.Timeout.Duration > 0 {
			opts = append(opts, WithHTTPClient(&http.Client{Timeout: cfg.Timeout.Duration}))
		}
		dispatcher, err := NewDispatcher(ep.URL, secret, opts...)
		if err != nil {
			router.Close()
			return nil, fmt.Errorf("webhooks: endpoint %q: %w", ep.label(i), err)
		}
		eventTypes := ep.Events
		if len(eventTypes) == 0 {
			eventTypes = SettlementEvents
		}
		filter := make(map[string]struct{}, len(eventTypes))
		for _, t := range eventTypes {
			filter[strings.TrimSpace(t)] = struct{}{}
		}
		router.routes = append(router.routes, route{name: ep.label(i), dispatcher: dispatcher, events: filter})
	}
	return router, nil
}

// Len returns the number of configured endpoints.
func (r *Router) Len() int {
	if r == nil {
		return 0
	}
	return len(r.routes)
}

// Emit implements events.Emitter.
func (r *Router) Emit(evt events.Event) {
	payload := events.ToPayload(evt)
	if r == nil || payload == nil {
		return
	}
	var height uint64
	if r.heightFn != nil {
		height = r.heightFn()
	}
	var escrowID uint64
	if raw, ok := payload.Attributes["id"]; ok {
		escrowID, _ = strconv.ParseUint(raw, 10, 64)
	}
	for _, rt := range r.routes {
		if !rt.wants(payload.Type) {
			continue
		}
		body := Payload{
			Type:       payload.Type,
			DeliveryID: uuid.NewString(),
			EscrowID:   escrowID,
			Height:     height,
			Attributes: payload.Attributes,
		}
		if err := rt.dispatcher.Enqueue(body); err != nil {
			observability.Events().RecordDelivery(outcomeDropped)
			r.logger.Warn("webhook not queued", "endpoint", rt.name, "event", payload.Type, "error", err)
		}
	}
}

// Close stops every dispatcher.
func (r *Router) Close() {
	if r == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), defaultDrainGrace)
	defer cancel()
	for _, rt := range r.routes {
		if err := rt.dispatcher.Shutdown(ctx); err != nil {
			r.logger.Warn("webhook queue not drained", "endpoint", rt.name, "error", err)
		}
	}
}
