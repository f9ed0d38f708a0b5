// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package appservice

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"
	"maunium.net/go/mautrix/id"
)

// IdentityState is the provisioning state of a virtual identity.
type IdentityState int

const (
	IdentityUnknown IdentityState = iota
	IdentityProvisioning
	IdentityActive
	IdentityFailed
)

func (s IdentityState) String() string {
	switch s {
	case IdentityUnknown:
		return "unknown"
	case IdentityProvisioning:
		return "provisioning"
	case IdentityActive:
		return "active"
	case IdentityFailed:
		return "failed"
	default:
		return fmt.Sprintf("IdentityState(%d)", int(s))
	}
}

// VirtualIdentity is a Matrix user the appservice can act as. Identities are
// created by the resolver on first sight of an owned ID and mutated only
// through the resolver's provisioning state machine.
type VirtualIdentity struct {
	UserID    id.UserID
	Localpart string
	Namespace *Namespace

	mu            sync.Mutex
	state         IdentityState
	provisionedAt time.Time
	failures      int
	nextAttempt   time.Time
}

// State returns the identity's current provisioning state.
func (vi *VirtualIdentity) State() IdentityState {
	vi.mu.Lock()
	defer vi.mu.Unlock()
	return vi.state
}

// Provisioned reports whether the identity has been registered on the
// homeserver.
func (vi *VirtualIdentity) Provisioned() bool {
	return vi.State() == IdentityActive
}

// ProvisionedAt returns when provisioning last succeeded, or the zero time.
func (vi *VirtualIdentity) ProvisionedAt() time.Time {
	vi.mu.Lock()
	defer vi.mu.Unlock()
	return vi.provisionedAt
}

// ProvisionFunc registers a virtual identity with the homeserver. It may be
// slow and may fail; the resolver guarantees at most one call is in flight
// per identity.
type ProvisionFunc func(ctx context.Context, identity *VirtualIdentity) error

// IdentityResolver maps raw Matrix user IDs to virtual identities,
// provisioning unknown ones on first sight. Concurrent resolves of the same
// unresolved ID coalesce onto a single provisioning call.
type IdentityResolver struct {
	matcher   *NamespaceMatcher
	provision ProvisionFunc
	log       zerolog.Logger
	metrics   *Metrics

	backoffInitial time.Duration
	backoffMax     time.Duration

	mu         sync.Mutex
	identities map[id.UserID]*VirtualIdentity
	flight     singleflight.Group
}

// NewIdentityResolver creates a resolver over the given namespace matcher.
// provision is invoked once per newly seen owned identity.
func NewIdentityResolver(matcher *NamespaceMatcher, provision ProvisionFunc, cfg ProvisioningConfig, log zerolog.Logger, metrics *Metrics) *IdentityResolver {
	return &IdentityResolver{
		matcher:        matcher,
		provision:      provision,
		log:            log.With().Str("component", "identity_resolver").Logger(),
		metrics:        metrics,
		backoffInitial: time.Duration(cfg.BackoffInitialMS) * time.Millisecond,
		backoffMax:     time.Duration(cfg.BackoffMaxMS) * time.Millisecond,
		identities:     make(map[id.UserID]*VirtualIdentity),
	}
}

// Resolve returns the virtual identity for userID, provisioning it first if
// this is an owned ID with no prior mapping. IDs outside all declared user
// namespaces fail with ErrNotOwned and never trigger a provisioning call.
//
// A Failed identity is retried only once its backoff window has elapsed;
// until then Resolve fails fast with ErrProvisioningBackoff.
func (r *IdentityResolver) Resolve(ctx context.Context, userID id.UserID) (*VirtualIdentity, error) {
	r.mu.Lock()
	ident, ok := r.identities[userID]
	if !ok {
		ns := r.matcher.OwnsUser(userID)
		if ns == nil {
			r.mu.Unlock()
			return nil, fmt.Errorf("cannot resolve %s: %w", userID, ErrNotOwned)
		}
		ident = &VirtualIdentity{
			UserID:    userID,
			Localpart: localpart(userID),
			Namespace: ns,
		}
		r.identities[userID] = ident
	}
	r.mu.Unlock()

	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		ident.mu.Lock()
		switch ident.state {
		case IdentityActive:
			ident.mu.Unlock()
			return ident, nil
		case IdentityFailed:
			if wait := time.Until(ident.nextAttempt); wait > 0 {
				failures := ident.failures
				ident.mu.Unlock()
				return nil, fmt.Errorf("%s failed provisioning %d time(s), retry in %s: %w",
					userID, failures, wait.Round(time.Millisecond), ErrProvisioningBackoff)
			}
		}
		ident.mu.Unlock()

		// Latecomers attach to the in-flight provisioning attempt instead
		// of issuing a duplicate call with homeserver-visible side effects.
		ch := r.flight.DoChan(string(userID), func() (any, error) {
			return nil, r.runProvision(ctx, ident)
		})
		select {
		case res := <-ch:
			if res.Err == nil {
				return ident, nil
			}
			if res.Shared && isContextError(res.Err) && ctx.Err() == nil {
				// The shared attempt died with its initiator's context,
				// not this caller's. The identity was reset to unknown,
				// so go around and provision with a live context.
				continue
			}
			return nil, res.Err
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

func isContextError(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

func (r *IdentityResolver) runProvision(ctx context.Context, ident *VirtualIdentity) error {
	ident.mu.Lock()
	if ident.state == IdentityActive {
		// Lost the race against a provisioning attempt that completed
		// between the state check and joining the flight.
		ident.mu.Unlock()
		return nil
	}
	ident.state = IdentityProvisioning
	ident.mu.Unlock()

	r.log.Debug().Stringer("user_id", ident.UserID).Msg("Provisioning identity")
	if r.metrics != nil {
		r.metrics.ProvisioningAttempts.Inc()
	}
	err := r.provision(ctx, ident)

	ident.mu.Lock()
	defer ident.mu.Unlock()
	switch {
	case err == nil:
		ident.state = IdentityActive
		ident.provisionedAt = time.Now()
		ident.failures = 0
		r.log.Info().Stringer("user_id", ident.UserID).Msg("Identity provisioned")
		return nil
	case isContextError(err):
		// The caller went away, not the homeserver. Reset so the next
		// resolve retries immediately instead of entering backoff.
		ident.state = IdentityUnknown
		return err
	default:
		ident.failures++
		ident.state = IdentityFailed
		delay := provisionBackoff(r.backoffInitial, r.backoffMax, ident.failures)
		ident.nextAttempt = time.Now().Add(delay)
		if r.metrics != nil {
			r.metrics.ProvisioningFailures.Inc()
		}
		r.log.Warn().Err(err).
			Stringer("user_id", ident.UserID).
			Int("failures", ident.failures).
			Dur("retry_in", delay).
			Msg("Identity provisioning failed")
		return fmt.Errorf("provisioning %s failed: %w", ident.UserID, err)
	}
}

// provisionBackoff doubles the delay per consecutive failure, capped.
func provisionBackoff(initial, maxDelay time.Duration, failures int) time.Duration {
	delay := initial
	for i := 1; i < failures; i++ {
		delay *= 2
		if delay >= maxDelay {
			return maxDelay
		}
	}
	if delay > maxDelay {
		return maxDelay
	}
	return delay
}

// Get returns the existing mapping for userID without provisioning.
func (r *IdentityResolver) Get(userID id.UserID) (*VirtualIdentity, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	ident, ok := r.identities[userID]
	return ident, ok
}

// Invalidate drops the mapping for userID, e.g. after the surrounding system
// observed the user leaving. The next resolve provisions it from scratch.
func (r *IdentityResolver) Invalidate(userID id.UserID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.identities, userID)
}

// Len returns the number of tracked identities.
func (r *IdentityResolver) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.identities)
}

// localpart extracts the localpart of a Matrix user ID.
func localpart(userID id.UserID) string {
	lp, _, _ := strings.Cut(strings.TrimPrefix(string(userID), "@"), ":")
	return lp
}
