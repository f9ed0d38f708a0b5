// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

// Package appservice is an SDK for building Matrix application services:
// processes a homeserver delegates ownership of user, alias and room
// namespaces to, and pushes events to over the application service API.
//
// The package centers on the transport core, the machinery between the raw
// homeserver push feed and a bridge's business logic:
//
//   - [NamespaceMatcher] compiles the registration-declared namespace
//     patterns and answers ownership queries.
//   - [IdentityResolver] maps Matrix user IDs to [VirtualIdentity] values,
//     registering unknown owned IDs on the homeserver on first sight.
//     Concurrent resolves of the same ID coalesce onto one provisioning call.
//   - [TransactionDeduplicator] makes intake idempotent under homeserver
//     retries: each transaction ID is routed exactly once while every
//     delivery receives a success acknowledgment.
//   - [EventRouter] dispatches transaction events to registered handlers,
//     keeping events of the same room strictly ordered while distinct rooms
//     progress concurrently.
//   - [CallGate] mediates all outbound Client-Server API calls, bounding
//     concurrency and retrying rate limits and transient failures with
//     backoff.
//
// [AppService] composes these into the full request lifecycle (receive,
// dedup check, route, acknowledge) and serves the inbound appservice API:
// transactions, ping, and user/alias existence queries. [Intent] performs
// outbound calls as a specific virtual identity through the gate.
//
// # Error handling
//
// Per-event handler failures never fail their transaction: the homeserver
// must not be made to redeliver a whole batch because one event fails
// deterministically. Failures are recorded as [EventError] values and
// surfaced through logs, metrics and the router's error handler instead.
package appservice
