// Copyright 2024-2026 Aiku AI

package appservice

import (
	"errors"
	"testing"

	"maunium.net/go/mautrix/id"
)

func TestOwnsUser(t *testing.T) {
	t.Parallel()
	matcher, err := CompileNamespaces(RegistrationNamespaces{
		Users: []RegistrationNamespace{
			{Exclusive: true, Regex: `@bridge_.*:example\.org`},
			{Exclusive: false, Regex: `@shadow_.*:example\.org`},
		},
	})
	if err != nil {
		t.Fatalf("CompileNamespaces() failed: %v", err)
	}

	tests := []struct {
		name      string
		userID    id.UserID
		owned     bool
		exclusive bool
	}{
		{"exclusive match", "@bridge_alice:example.org", true, true},
		{"non-exclusive match", "@shadow_bob:example.org", true, false},
		{"plain homeserver user", "@carol:example.org", false, false},
		{"wrong server name", "@bridge_alice:other.org", false, false},
		{"prefix only, unanchored input", "x@bridge_alice:example.orgy", false, false},
		{"empty", "", false, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			ns := matcher.OwnsUser(tt.userID)
			if got := ns != nil; got != tt.owned {
				t.Fatalf("OwnsUser(%q) owned = %v, want %v", tt.userID, got, tt.owned)
			}
			if ns != nil && ns.Exclusive != tt.exclusive {
				t.Errorf("OwnsUser(%q) exclusive = %v, want %v", tt.userID, ns.Exclusive, tt.exclusive)
			}
		})
	}
}

func TestOwnsDeclarationOrderTieBreak(t *testing.T) {
	t.Parallel()
	// Both patterns admit @bridge_special:example.org; the first declared
	// entry must win.
	matcher, err := CompileNamespaces(RegistrationNamespaces{
		Users: []RegistrationNamespace{
			{Exclusive: false, Regex: `@bridge_special:example\.org`},
			{Exclusive: true, Regex: `@bridge_.*:example\.org`},
		},
	})
	if err != nil {
		t.Fatalf("CompileNamespaces() failed: %v", err)
	}

	ns := matcher.OwnsUser("@bridge_special:example.org")
	if ns == nil {
		t.Fatal("OwnsUser() = nil, want first declared entry")
	}
	if ns.Pattern() != `@bridge_special:example\.org` {
		t.Errorf("OwnsUser() matched %q, want the first declared pattern", ns.Pattern())
	}
	if ns.Exclusive {
		t.Error("OwnsUser() returned the second entry (exclusive), want the first")
	}

	if ns := matcher.OwnsUser("@bridge_other:example.org"); ns == nil || ns.Pattern() != `@bridge_.*:example\.org` {
		t.Errorf("OwnsUser(@bridge_other) should fall through to the broad entry, got %v", ns)
	}
}

func TestOwnsKindsAreIndependent(t *testing.T) {
	t.Parallel()
	matcher, err := CompileNamespaces(RegistrationNamespaces{
		Users:   []RegistrationNamespace{{Exclusive: true, Regex: `@bridge_.*:example\.org`}},
		Aliases: []RegistrationNamespace{{Exclusive: true, Regex: `#bridge_.*:example\.org`}},
		Rooms:   []RegistrationNamespace{{Exclusive: false, Regex: `!control:example\.org`}},
	})
	if err != nil {
		t.Fatalf("CompileNamespaces() failed: %v", err)
	}

	if matcher.OwnsAlias("#bridge_general:example.org") == nil {
		t.Error("OwnsAlias() should match the alias namespace")
	}
	if matcher.OwnsAlias("#other:example.org") != nil {
		t.Error("OwnsAlias() matched an alias outside the namespace")
	}
	if matcher.OwnsRoom("!control:example.org") == nil {
		t.Error("OwnsRoom() should match the room namespace")
	}
	// A user pattern must never leak into alias or room matching.
	if matcher.OwnsAlias("@bridge_alice:example.org") != nil {
		t.Error("OwnsAlias() matched a user ID")
	}
}

func TestCompileNamespacesBadPattern(t *testing.T) {
	t.Parallel()
	_, err := CompileNamespaces(RegistrationNamespaces{
		Users: []RegistrationNamespace{{Exclusive: true, Regex: `@bridge_[:example\.org`}},
	})
	if err == nil {
		t.Fatal("CompileNamespaces() accepted an invalid regex")
	}
	var cfgErr *ConfigError
	if !errors.As(err, &cfgErr) {
		t.Fatalf("CompileNamespaces() error = %T, want *ConfigError", err)
	}
	if cfgErr.Field != "namespaces.users[0]" {
		t.Errorf("ConfigError.Field = %q, want %q", cfgErr.Field, "namespaces.users[0]")
	}
}

func TestCompileNamespacesDuplicateExclusive(t *testing.T) {
	t.Parallel()
	_, err := CompileNamespaces(RegistrationNamespaces{
		Users: []RegistrationNamespace{
			{Exclusive: true, Regex: `@bridge_.*:example\.org`},
			{Exclusive: true, Regex: `@bridge_.*:example\.org`},
		},
	})
	if err == nil {
		t.Fatal("CompileNamespaces() accepted two identical exclusive patterns")
	}
	var cfgErr *ConfigError
	if !errors.As(err, &cfgErr) {
		t.Fatalf("CompileNamespaces() error = %T, want *ConfigError", err)
	}
}

func TestAnchorPattern(t *testing.T) {
	t.Parallel()
	tests := []struct {
		in   string
		want string
	}{
		{`@bridge_.*:example\.org`, `^@bridge_.*:example\.org$`},
		{`^@bridge_.*:example\.org$`, `^@bridge_.*:example\.org$`},
		{`^@partial`, `^@partial$`},
		{`partial$`, `^partial$`},
	}
	for _, tt := range tests {
		if got := anchorPattern(tt.in); got != tt.want {
			t.Errorf("anchorPattern(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
