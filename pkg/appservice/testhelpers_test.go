// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package appservice

import (
	"context"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"
)

const (
	testASToken = "as-secret"
	testHSToken = "hs-secret"
)

// waitUntil polls cond until it holds or the deadline passes.
func waitUntil(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not reached in time")
		}
		time.Sleep(time.Millisecond)
	}
}

func writeFile(path, content string) error {
	return os.WriteFile(path, []byte(content), 0o600)
}

func newTestRegistry() *prometheus.Registry {
	return prometheus.NewRegistry()
}

func newTestConfig() *Config {
	return &Config{
		Homeserver: HomeserverConfig{
			Address:    "http://localhost:8008",
			ServerName: "example.org",
		},
		Appservice: AppserviceConfig{
			ID:              "test-bridge",
			Address:         "http://localhost:29333",
			SenderLocalpart: "testbot",
			ASToken:         testASToken,
			HSToken:         testHSToken,
		},
	}
}

func newTestRegistration() *Registration {
	return &Registration{
		ID:              "test-bridge",
		URL:             "http://localhost:29333",
		ASToken:         testASToken,
		HSToken:         testHSToken,
		SenderLocalpart: "testbot",
		Namespaces: RegistrationNamespaces{
			Users: []RegistrationNamespace{
				{Exclusive: true, Regex: `@bridge_.*:example\.org`},
			},
			Aliases: []RegistrationNamespace{
				{Exclusive: true, Regex: `#bridge_.*:example\.org`},
			},
		},
	}
}

// countingProvisioner records provisioning calls and optionally fails or
// blocks until released.
type countingProvisioner struct {
	calls   atomic.Int64
	failErr error
	block   chan struct{}

	mu    sync.Mutex
	users []id.UserID
}

func (p *countingProvisioner) provision(ctx context.Context, identity *VirtualIdentity) error {
	p.calls.Add(1)
	p.mu.Lock()
	p.users = append(p.users, identity.UserID)
	p.mu.Unlock()
	if p.block != nil {
		select {
		case <-p.block:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return p.failErr
}

func (p *countingProvisioner) Calls() int64 {
	return p.calls.Load()
}

func newTestAppService(t *testing.T, opts ...Option) (*AppService, *countingProvisioner) {
	t.Helper()
	prov := &countingProvisioner{}
	base := []Option{
		WithMetricsRegistry(prometheus.NewRegistry()),
		WithProvisioner(prov.provision),
	}
	as, err := New(newTestConfig(), newTestRegistration(), append(base, opts...)...)
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}
	return as, prov
}

func newTestMatcher(t *testing.T, userPatterns ...string) *NamespaceMatcher {
	t.Helper()
	var ns RegistrationNamespaces
	for _, pattern := range userPatterns {
		ns.Users = append(ns.Users, RegistrationNamespace{Exclusive: true, Regex: pattern})
	}
	matcher, err := CompileNamespaces(ns)
	if err != nil {
		t.Fatalf("CompileNamespaces() failed: %v", err)
	}
	return matcher
}

func newTestResolver(t *testing.T, prov *countingProvisioner, cfg ProvisioningConfig) *IdentityResolver {
	t.Helper()
	if cfg.BackoffInitialMS == 0 {
		cfg.BackoffInitialMS = 20
	}
	if cfg.BackoffMaxMS == 0 {
		cfg.BackoffMaxMS = 100
	}
	matcher := newTestMatcher(t, `@bridge_.*:example\.org`)
	return NewIdentityResolver(matcher, prov.provision, cfg, zerolog.Nop(), nil)
}

func makeMessageEvent(roomID id.RoomID, sender id.UserID, suffix string) *event.Event {
	return &event.Event{
		ID:     id.EventID(fmt.Sprintf("$evt_%s", suffix)),
		RoomID: roomID,
		Sender: sender,
		Type:   event.EventMessage,
		Content: event.Content{
			Raw: map[string]any{"msgtype": "m.text", "body": "message " + suffix},
		},
	}
}

func makeMemberEvent(roomID id.RoomID, target id.UserID, membership string) *event.Event {
	stateKey := string(target)
	return &event.Event{
		ID:       id.EventID(fmt.Sprintf("$member_%s_%s", membership, target)),
		RoomID:   roomID,
		Sender:   target,
		Type:     event.StateMember,
		StateKey: &stateKey,
		Content: event.Content{
			Raw: map[string]any{"membership": membership},
		},
	}
}
