// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package appservice

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"
)

// AppService ties the namespace matcher, identity resolver, transaction
// deduplicator, event router and outbound call gate into one transport core.
// The intake lifecycle per transaction is: dedup check, route events,
// acknowledge; duplicates replay the prior acknowledgment.
type AppService struct {
	Config       *Config
	Registration *Registration
	Log          zerolog.Logger

	matcher  *NamespaceMatcher
	resolver *IdentityResolver
	dedup    *TransactionDeduplicator
	router   *EventRouter
	gate     *CallGate
	rooms    *RoomStore
	metrics  *Metrics

	botUserID  id.UserID
	aliasQuery func(ctx context.Context, alias id.RoomAlias) error
}

type options struct {
	log        *zerolog.Logger
	provision  ProvisionFunc
	registry   prometheus.Registerer
	httpClient *http.Client
}

// Option customizes AppService construction.
type Option func(*options)

// WithLogger sets the base logger. Component loggers derive from it.
func WithLogger(log zerolog.Logger) Option {
	return func(o *options) { o.log = &log }
}

// WithProvisioner replaces the default provisioning collaborator, which
// registers the identity on the homeserver through the call gate.
func WithProvisioner(provision ProvisionFunc) Option {
	return func(o *options) { o.provision = provision }
}

// WithMetricsRegistry sets the prometheus registerer for transport metrics.
func WithMetricsRegistry(reg prometheus.Registerer) Option {
	return func(o *options) { o.registry = reg }
}

// WithHTTPClient replaces the HTTP client used for outbound calls.
func WithHTTPClient(client *http.Client) Option {
	return func(o *options) { o.httpClient = client }
}

// New builds an AppService from a post-processed config and a validated
// registration document. Namespace compilation errors are fatal here, at
// startup, never at runtime.
func New(cfg *Config, reg *Registration, opts ...Option) (*AppService, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	if err := cfg.PostProcess(); err != nil {
		return nil, err
	}
	if err := reg.Validate(); err != nil {
		return nil, err
	}

	log := zerolog.Nop()
	if o.log != nil {
		log = *o.log
	}
	registry := o.registry
	if registry == nil {
		registry = prometheus.DefaultRegisterer
	}
	metrics := NewMetrics(registry)

	matcher, err := CompileNamespaces(reg.Namespaces)
	if err != nil {
		return nil, err
	}
	gate, err := NewCallGate(cfg.Homeserver.Address, reg.ASToken, cfg.Outbound, log, metrics)
	if err != nil {
		return nil, err
	}
	if o.httpClient != nil {
		gate.SetHTTPClient(o.httpClient)
	}

	as := &AppService{
		Config:       cfg,
		Registration: reg,
		Log:          log,
		matcher:      matcher,
		gate:         gate,
		rooms:        NewRoomStore(),
		metrics:      metrics,
		dedup:        NewTransactionDeduplicator(cfg.Transactions.MaxRecords, cfg.Transactions.Retention(), log),
		botUserID:    id.NewUserID(reg.SenderLocalpart, cfg.Homeserver.ServerName),
	}

	provision := o.provision
	if provision == nil {
		provision = as.provisionOnHomeserver
	}
	as.resolver = NewIdentityResolver(matcher, provision, cfg.Provisioning, log, metrics)
	as.router = NewEventRouter(as.resolver, cfg.Routing.MaxConcurrentRooms, log, metrics)
	as.router.AddEventHandler(event.StateMember, as.handleMemberEvent)

	return as, nil
}

// provisionOnHomeserver is the default provisioning collaborator: register
// the identity through the call gate.
func (as *AppService) provisionOnHomeserver(ctx context.Context, identity *VirtualIdentity) error {
	return NewIntent(as.gate, identity.UserID).Register(ctx)
}

// handleMemberEvent keeps the room membership cache current and invalidates
// owned identities that left, so a later resolve provisions them fresh.
func (as *AppService) handleMemberEvent(_ context.Context, _ *VirtualIdentity, evt *event.Event) error {
	target := id.UserID(evt.GetStateKey())
	if target == "" {
		return nil
	}
	membership, _ := evt.Content.Raw["membership"].(string)
	switch membership {
	case "join":
		as.rooms.AddMember(evt.RoomID, target)
	case "leave", "ban":
		as.rooms.RemoveMember(evt.RoomID, target)
		if as.matcher.OwnsUser(target) != nil {
			as.resolver.Invalidate(target)
		}
	}
	return nil
}

// BotUserID returns the appservice bot's Matrix user ID.
func (as *AppService) BotUserID() id.UserID {
	return as.botUserID
}

// Resolver exposes the identity resolver.
func (as *AppService) Resolver() *IdentityResolver {
	return as.resolver
}

// Router exposes the event router for handler registration.
func (as *AppService) Router() *EventRouter {
	return as.router
}

// Rooms exposes the room membership cache.
func (as *AppService) Rooms() *RoomStore {
	return as.rooms
}

// Gate exposes the outbound call gate.
func (as *AppService) Gate() *CallGate {
	return as.gate
}

// Intent returns an intent acting as the given virtual identity.
func (as *AppService) Intent(userID id.UserID) *Intent {
	return NewIntent(as.gate, userID)
}

// BotIntent returns an intent acting as the appservice bot.
func (as *AppService) BotIntent() *Intent {
	return NewIntent(as.gate, as.botUserID)
}

// AddEventHandler registers a handler for the given event type.
func (as *AppService) AddEventHandler(eventType event.Type, handler EventHandlerFunc) {
	as.router.AddEventHandler(eventType, handler)
}

// Intake runs the full transaction lifecycle: dedup check, route, complete.
//
// Identical transaction IDs produce exactly one routing pass regardless of
// how many times the homeserver retries; every delivery is acknowledged.
// A cancelled intake never marks the transaction completed, so a retry is
// processed as if the transaction were new.
func (as *AppService) Intake(ctx context.Context, txn *Transaction) ([]*EventError, error) {
	log := as.Log.With().Str("txn_id", txn.ID).Logger()
	if as.metrics != nil {
		as.metrics.TransactionsReceived.Inc()
	}

	for {
		first, inflight := as.dedup.Begin(txn.ID)
		if first {
			break
		}
		if inflight == nil {
			if as.metrics != nil {
				as.metrics.TransactionsReplayed.Inc()
			}
			log.Debug().Msg("Transaction already processed, replaying acknowledgment")
			return nil, nil
		}
		// Another delivery of the same transaction is mid-flight. Wait for
		// its outcome, then look again: completed means replay, aborted
		// means this delivery takes over.
		select {
		case <-inflight:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	start := time.Now()
	log.Debug().
		Int("events", len(txn.Events)).
		Int("ephemeral", len(txn.Ephemeral)).
		Msg("Processing transaction")

	eventErrs, err := as.router.Route(ctx, txn)
	if err != nil {
		as.dedup.Abort(txn.ID)
		if as.metrics != nil {
			as.metrics.TransactionsAborted.Inc()
		}
		log.Warn().Err(err).Msg("Transaction intake aborted before completion")
		return eventErrs, err
	}
	if as.Config.Routing.FailTransactionOnEventError && len(eventErrs) > 0 {
		as.dedup.Abort(txn.ID)
		if as.metrics != nil {
			as.metrics.TransactionsAborted.Inc()
		}
		return eventErrs, fmt.Errorf("%d event(s) failed and fail_transaction_on_event_error is set", len(eventErrs))
	}

	as.dedup.Complete(txn.ID)
	if as.metrics != nil {
		as.metrics.IntakeDuration.Observe(time.Since(start).Seconds())
	}
	if len(eventErrs) > 0 {
		log.Warn().
			Int("failed_events", len(eventErrs)).
			Msg("Transaction completed with per-event failures")
	}
	return eventErrs, nil
}

// SetRoomAliasQueryHandler installs the collaborator invoked when the
// homeserver queries an alias in an owned namespace, typically to create
// the room on demand. Without one, owned alias queries answer not-found.
func (as *AppService) SetRoomAliasQueryHandler(handler func(ctx context.Context, alias id.RoomAlias) error) {
	as.aliasQuery = handler
}

type pingRequest struct {
	TransactionID string `json:"transaction_id"`
}

type pingResponse struct {
	DurationMS int64 `json:"duration_ms"`
}

// PingHomeserver verifies the homeserver can reach this appservice and
// returns the round trip duration the homeserver measured.
func (as *AppService) PingHomeserver(ctx context.Context) (time.Duration, error) {
	resp, err := as.gate.Call(ctx, CallRequest{
		Method: http.MethodPost,
		Path:   fmt.Sprintf("/_matrix/client/v1/appservice/%s/ping", as.Registration.ID),
		Body:   &pingRequest{TransactionID: uuid.NewString()},
	})
	if err != nil {
		return 0, err
	}
	var decoded pingResponse
	if err := resp.Decode(&decoded); err != nil {
		return 0, fmt.Errorf("failed to decode ping response: %w", err)
	}
	duration := time.Duration(decoded.DurationMS) * time.Millisecond
	as.Log.Info().
		Str("server_name", as.Config.Homeserver.ServerName).
		Dur("duration", duration).
		Msg("Homeserver ping succeeded")
	return duration, nil
}

// Run serves the inbound appservice API until ctx is cancelled.
func (as *AppService) Run(ctx context.Context) error {
	server := &http.Server{
		Addr:              as.Config.Appservice.ListenAddress,
		Handler:           as.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		errCh <- server.ListenAndServe()
	}()
	as.Log.Info().
		Str("listen_address", as.Config.Appservice.ListenAddress).
		Msg("Starting appservice HTTP listener")

	select {
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("appservice HTTP listener failed: %w", err)
		}
		return nil
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	}
}
