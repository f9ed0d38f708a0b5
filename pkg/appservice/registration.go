// Copyright 2024-2026 Aiku AI

package appservice

import (
	"fmt"
	"os"
	"regexp"

	"gopkg.in/yaml.v3"
)

// RegistrationNamespace is a single pattern-based ownership claim in the
// registration document. Exclusive entries claim sole control: the homeserver
// rejects anyone else creating IDs that match the pattern.
type RegistrationNamespace struct {
	Exclusive bool   `yaml:"exclusive" json:"exclusive"`
	Regex     string `yaml:"regex" json:"regex"`
}

// RegistrationNamespaces declares the user, alias and room namespaces the
// application service owns. Order within each list is meaningful: the first
// matching entry wins.
type RegistrationNamespaces struct {
	Users   []RegistrationNamespace `yaml:"users,omitempty" json:"users,omitempty"`
	Aliases []RegistrationNamespace `yaml:"aliases,omitempty" json:"aliases,omitempty"`
	Rooms   []RegistrationNamespace `yaml:"rooms,omitempty" json:"rooms,omitempty"`
}

// Registration is the appservice registration document shared with the
// homeserver. The homeserver reads it to learn where to push transactions
// (URL, authenticated with HSToken) and which namespaces are delegated;
// the appservice authenticates its own calls with ASToken.
type Registration struct {
	ID              string                 `yaml:"id"`
	URL             string                 `yaml:"url"`
	ASToken         string                 `yaml:"as_token"`
	HSToken         string                 `yaml:"hs_token"`
	SenderLocalpart string                 `yaml:"sender_localpart"`
	Namespaces      RegistrationNamespaces `yaml:"namespaces"`
	RateLimited     *bool                  `yaml:"rate_limited,omitempty"`
	Protocols       []string               `yaml:"protocols,omitempty"`

	// ReceiveEphemeral enables MSC2409 ephemeral event pushing.
	ReceiveEphemeral bool `yaml:"de.sorunome.msc2409.push_ephemeral,omitempty"`
}

// LoadRegistration reads and parses a registration document from a YAML file.
func LoadRegistration(path string) (*Registration, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read registration file: %w", err)
	}
	var reg Registration
	if err := yaml.Unmarshal(data, &reg); err != nil {
		return nil, fmt.Errorf("failed to parse registration file: %w", err)
	}
	if err := reg.Validate(); err != nil {
		return nil, err
	}
	return &reg, nil
}

// Validate checks the fields the transport core depends on.
func (reg *Registration) Validate() error {
	if reg.ID == "" {
		return &ConfigError{Field: "id", Err: fmt.Errorf("missing appservice ID")}
	}
	if reg.ASToken == "" {
		return &ConfigError{Field: "as_token", Err: fmt.Errorf("missing as_token")}
	}
	if reg.HSToken == "" {
		return &ConfigError{Field: "hs_token", Err: fmt.Errorf("missing hs_token")}
	}
	if reg.SenderLocalpart == "" {
		return &ConfigError{Field: "sender_localpart", Err: fmt.Errorf("missing sender_localpart")}
	}
	return nil
}

// YAML serializes the registration document.
func (reg *Registration) YAML() ([]byte, error) {
	return yaml.Marshal(reg)
}

// Save writes the registration document to a YAML file.
func (reg *Registration) Save(path string) error {
	data, err := reg.YAML()
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o600)
}

// GenerateRegistration builds a registration document from the service
// config. The sender user gets an exclusive namespace entry so nothing else
// on the homeserver can claim it; additional namespaces from the config are
// appended in declaration order.
func (c *Config) GenerateRegistration() *Registration {
	botMXID := fmt.Sprintf("@%s:%s", c.Appservice.SenderLocalpart, c.Homeserver.ServerName)
	rateLimited := false
	reg := &Registration{
		ID:              c.Appservice.ID,
		URL:             c.Appservice.Address,
		ASToken:         c.Appservice.ASToken,
		HSToken:         c.Appservice.HSToken,
		SenderLocalpart: c.Appservice.SenderLocalpart,
		RateLimited:     &rateLimited,
		Namespaces: RegistrationNamespaces{
			Users: []RegistrationNamespace{{
				Exclusive: true,
				Regex:     fmt.Sprintf("^%s$", regexp.QuoteMeta(botMXID)),
			}},
		},
		ReceiveEphemeral: c.Appservice.ReceiveEphemeral,
	}
	reg.Namespaces.Users = append(reg.Namespaces.Users, c.Appservice.Namespaces.Users...)
	reg.Namespaces.Aliases = append(reg.Namespaces.Aliases, c.Appservice.Namespaces.Aliases...)
	reg.Namespaces.Rooms = append(reg.Namespaces.Rooms, c.Appservice.Namespaces.Rooms...)
	return reg
}
