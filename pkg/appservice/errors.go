// Copyright 2024-2026 Aiku AI

package appservice

import (
	"errors"
	"fmt"
	"time"

	"maunium.net/go/mautrix/id"
)

var (
	// ErrNotOwned is returned when an ID does not match any declared namespace.
	ErrNotOwned = errors.New("id is not owned by any declared namespace")
	// ErrProvisioningBackoff is returned when an identity failed provisioning
	// recently and the retry window has not elapsed yet.
	ErrProvisioningBackoff = errors.New("identity provisioning is backing off")
)

// ConfigError indicates an invalid registration or configuration document.
// It is fatal at startup and never produced at runtime.
type ConfigError struct {
	Field string
	Err   error
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("invalid configuration for %s: %v", e.Field, e.Err)
}

func (e *ConfigError) Unwrap() error {
	return e.Err
}

// CallErrorKind classifies failures of outbound homeserver calls into the
// small surface callers make retry decisions on.
type CallErrorKind int

const (
	// CallRateLimited means the homeserver kept responding 429 after all
	// rate-limit waits were exhausted.
	CallRateLimited CallErrorKind = iota + 1
	// CallUnavailable means transient network or 5xx failures persisted
	// through all retry attempts.
	CallUnavailable
	// CallRejected means the homeserver responded with a non-transient 4xx.
	// These are never retried.
	CallRejected
)

func (k CallErrorKind) String() string {
	switch k {
	case CallRateLimited:
		return "rate_limited"
	case CallUnavailable:
		return "unavailable"
	case CallRejected:
		return "rejected"
	default:
		return "unknown"
	}
}

// CallError is the error type surfaced by the outbound call gate.
type CallError struct {
	Kind       CallErrorKind
	Method     string
	Path       string
	StatusCode int
	ErrCode    string
	Attempts   int
	Err        error
}

func (e *CallError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s %s %s after %d attempt(s): %v", e.Kind, e.Method, e.Path, e.Attempts, e.Err)
	}
	return fmt.Sprintf("%s %s %s after %d attempt(s): HTTP %d %s", e.Kind, e.Method, e.Path, e.Attempts, e.StatusCode, e.ErrCode)
}

func (e *CallError) Unwrap() error {
	return e.Err
}

// IsCallError reports whether err is a CallError of the given kind.
func IsCallError(err error, kind CallErrorKind) bool {
	var callErr *CallError
	return errors.As(err, &callErr) && callErr.Kind == kind
}

// EventError records the failure of a single event inside a transaction.
// Event errors never fail the transaction itself; they are collected and
// surfaced through logs and metrics while the transaction is acknowledged.
type EventError struct {
	Index   int
	EventID id.EventID
	RoomID  id.RoomID
	Sender  id.UserID
	Time    time.Time
	Err     error
}

func (e *EventError) Error() string {
	return fmt.Sprintf("event %s (index %d) in %s: %v", e.EventID, e.Index, e.RoomID, e.Err)
}

func (e *EventError) Unwrap() error {
	return e.Err
}
