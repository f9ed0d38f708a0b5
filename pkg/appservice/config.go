// Copyright 2024-2026 Aiku AI

package appservice

import (
	_ "embed"
	"fmt"
	"net/url"
	"os"
	"time"

	up "go.mau.fi/util/configupgrade"
	"gopkg.in/yaml.v3"
)

//go:embed example-config.yaml
var ExampleConfig string

// HomeserverConfig identifies the homeserver this appservice is attached to.
type HomeserverConfig struct {
	// Address is the base URL for Client-Server API calls.
	Address string `yaml:"address"`
	// ServerName is the Matrix domain part of IDs on this homeserver.
	ServerName string `yaml:"server_name"`
}

// AppserviceConfig holds the appservice's own identity and listener settings.
type AppserviceConfig struct {
	ID string `yaml:"id"`
	// Address is the URL the homeserver uses to reach this appservice.
	Address string `yaml:"address"`
	// ListenAddress is the local bind address for the inbound HTTP listener.
	ListenAddress   string `yaml:"listen_address"`
	SenderLocalpart string `yaml:"sender_localpart"`
	Displayname     string `yaml:"displayname"`
	ASToken         string `yaml:"as_token"`
	HSToken         string `yaml:"hs_token"`
	// ReceiveEphemeral opts in to MSC2409 ephemeral event pushing.
	ReceiveEphemeral bool `yaml:"receive_ephemeral"`

	Namespaces RegistrationNamespaces `yaml:"namespaces"`
}

// TransactionConfig bounds the deduplicator's completed-transaction records.
// Records beyond either bound become evictable, trading exactly-once strength
// for bounded memory. Homeservers retry with short backoff, so a stale retry
// arriving after the retention window is accepted as a new transaction.
type TransactionConfig struct {
	MaxRecords       int `yaml:"max_records"`
	RetentionSeconds int `yaml:"retention_seconds"`
}

// Retention returns the retention window as a duration.
func (c *TransactionConfig) Retention() time.Duration {
	return time.Duration(c.RetentionSeconds) * time.Second
}

// RoutingConfig controls event dispatch inside transaction intake.
type RoutingConfig struct {
	// MaxConcurrentRooms bounds how many rooms dispatch events at once.
	// Events within a room are always dispatched sequentially.
	MaxConcurrentRooms int `yaml:"max_concurrent_rooms"`
	// FailTransactionOnEventError makes per-event handler errors fail the
	// whole intake call instead of only being recorded. Leave disabled
	// unless redelivery of the full transaction is genuinely wanted: the
	// homeserver will keep retrying events that fail deterministically.
	FailTransactionOnEventError bool `yaml:"fail_transaction_on_event_error"`
}

// OutboundConfig controls the outbound call gate.
type OutboundConfig struct {
	// MaxConcurrent bounds concurrent outbound homeserver calls.
	MaxConcurrent int `yaml:"max_concurrent"`
	// MaxAttempts is the total attempt budget per call, including the first.
	MaxAttempts int `yaml:"max_attempts"`
	// InitialBackoffMS seeds the exponential backoff for transient failures.
	InitialBackoffMS int `yaml:"initial_backoff_ms"`
	// RequestTimeoutSeconds caps a single HTTP attempt. The per-call context
	// remains the overall deadline.
	RequestTimeoutSeconds int `yaml:"request_timeout_seconds"`
}

// ProvisioningConfig controls re-provisioning backoff for failed identities.
type ProvisioningConfig struct {
	// BackoffInitialMS is the delay before the first re-provisioning attempt
	// after a failure. It doubles per consecutive failure.
	BackoffInitialMS int `yaml:"backoff_initial_ms"`
	// BackoffMaxMS caps the re-provisioning delay.
	BackoffMaxMS int `yaml:"backoff_max_ms"`
}

// Config is the top-level service configuration.
type Config struct {
	Homeserver   HomeserverConfig   `yaml:"homeserver"`
	Appservice   AppserviceConfig   `yaml:"appservice"`
	Transactions TransactionConfig  `yaml:"transactions"`
	Routing      RoutingConfig      `yaml:"routing"`
	Outbound     OutboundConfig     `yaml:"outbound"`
	Provisioning ProvisioningConfig `yaml:"provisioning"`
}

func (c *Config) UnmarshalYAML(node *yaml.Node) error {
	type rawConfig Config
	return node.Decode((*rawConfig)(c))
}

// PostProcess validates required fields and fills defaults for everything
// the YAML left at zero.
func (c *Config) PostProcess() error {
	if c.Homeserver.Address == "" {
		return &ConfigError{Field: "homeserver.address", Err: fmt.Errorf("missing homeserver address")}
	}
	if _, err := url.Parse(c.Homeserver.Address); err != nil {
		return &ConfigError{Field: "homeserver.address", Err: err}
	}
	if c.Homeserver.ServerName == "" {
		return &ConfigError{Field: "homeserver.server_name", Err: fmt.Errorf("missing server name")}
	}
	if c.Appservice.ID == "" {
		return &ConfigError{Field: "appservice.id", Err: fmt.Errorf("missing appservice ID")}
	}
	if c.Appservice.SenderLocalpart == "" {
		return &ConfigError{Field: "appservice.sender_localpart", Err: fmt.Errorf("missing sender localpart")}
	}
	if c.Appservice.ListenAddress == "" {
		c.Appservice.ListenAddress = ":29333"
	}
	if c.Transactions.MaxRecords <= 0 {
		c.Transactions.MaxRecords = 4096
	}
	if c.Transactions.RetentionSeconds <= 0 {
		c.Transactions.RetentionSeconds = 3600
	}
	if c.Routing.MaxConcurrentRooms <= 0 {
		c.Routing.MaxConcurrentRooms = 16
	}
	if c.Outbound.MaxConcurrent <= 0 {
		c.Outbound.MaxConcurrent = 8
	}
	if c.Outbound.MaxAttempts <= 0 {
		c.Outbound.MaxAttempts = 4
	}
	if c.Outbound.InitialBackoffMS <= 0 {
		c.Outbound.InitialBackoffMS = 250
	}
	if c.Outbound.RequestTimeoutSeconds <= 0 {
		c.Outbound.RequestTimeoutSeconds = 30
	}
	if c.Provisioning.BackoffInitialMS <= 0 {
		c.Provisioning.BackoffInitialMS = 1000
	}
	if c.Provisioning.BackoffMaxMS <= 0 {
		c.Provisioning.BackoffMaxMS = 300_000
	}
	return nil
}

// LoadConfig reads a YAML config file, upgrades it against the current
// example config, and post-processes the result.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	upgraded, err := UpgradeConfig(data)
	if err != nil {
		return nil, err
	}
	var cfg Config
	if err := yaml.Unmarshal(upgraded, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}
	if err := cfg.PostProcess(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func upgradeConfig(helper up.Helper) {
	helper.Copy(up.Str, "homeserver", "address")
	helper.Copy(up.Str, "homeserver", "server_name")
	helper.Copy(up.Str, "appservice", "id")
	helper.Copy(up.Str, "appservice", "address")
	helper.Copy(up.Str, "appservice", "listen_address")
	helper.Copy(up.Str, "appservice", "sender_localpart")
	helper.Copy(up.Str, "appservice", "displayname")
	helper.Copy(up.Str, "appservice", "as_token")
	helper.Copy(up.Str, "appservice", "hs_token")
	helper.Copy(up.Bool, "appservice", "receive_ephemeral")
	helper.Copy(up.List, "appservice", "namespaces", "users")
	helper.Copy(up.List, "appservice", "namespaces", "aliases")
	helper.Copy(up.List, "appservice", "namespaces", "rooms")
	helper.Copy(up.Int, "transactions", "max_records")
	helper.Copy(up.Int, "transactions", "retention_seconds")
	helper.Copy(up.Int, "routing", "max_concurrent_rooms")
	helper.Copy(up.Bool, "routing", "fail_transaction_on_event_error")
	helper.Copy(up.Int, "outbound", "max_concurrent")
	helper.Copy(up.Int, "outbound", "max_attempts")
	helper.Copy(up.Int, "outbound", "initial_backoff_ms")
	helper.Copy(up.Int, "outbound", "request_timeout_seconds")
	helper.Copy(up.Int, "provisioning", "backoff_initial_ms")
	helper.Copy(up.Int, "provisioning", "backoff_max_ms")
}

// UpgradeConfig merges a user config with the current example config,
// preserving user values while picking up newly added keys (with their
// documented defaults). The returned YAML is what the service actually runs
// on.
func UpgradeConfig(data []byte) ([]byte, error) {
	var base, user yaml.Node
	if err := yaml.Unmarshal([]byte(ExampleConfig), &base); err != nil {
		return nil, fmt.Errorf("failed to parse example config: %w", err)
	}
	if err := yaml.Unmarshal(data, &user); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}
	upgradeConfig(up.NewHelper(&base, &user))
	upgraded, err := yaml.Marshal(&base)
	if err != nil {
		return nil, fmt.Errorf("failed to serialize upgraded config: %w", err)
	}
	return upgraded, nil
}
