// Copyright 2024-2026 Aiku AI

package appservice

import (
	"fmt"
	"regexp"
	"strings"

	"maunium.net/go/mautrix/id"
)

// NamespaceKind distinguishes the three classes of identifiers a registration
// document can claim. Matching logic is a single function over the kind, so
// no per-kind types are needed.
type NamespaceKind string

const (
	NamespaceUser  NamespaceKind = "users"
	NamespaceAlias NamespaceKind = "aliases"
	NamespaceRoom  NamespaceKind = "rooms"
)

// Namespace is a compiled registration namespace entry.
type Namespace struct {
	Kind      NamespaceKind
	Exclusive bool
	Regex     *regexp.Regexp

	// raw is the pattern as declared, before anchoring. Used for overlap
	// detection and error reporting.
	raw string
}

// Pattern returns the pattern exactly as declared in the registration.
func (ns *Namespace) Pattern() string {
	return ns.raw
}

// NamespaceMatcher answers ownership queries against the compiled namespace
// entries of a registration document. It is immutable after compilation and
// safe for unsynchronized concurrent use.
type NamespaceMatcher struct {
	entries map[NamespaceKind][]*Namespace
}

// CompileNamespaces compiles the registration-declared namespaces into a
// matcher. Patterns are matched against the full identifier, so unanchored
// patterns are anchored during compilation.
//
// Two exclusive entries of the same kind with the identical pattern make
// ownership ambiguous and fail compilation. Partial overlap between distinct
// patterns is not generally decidable and is left to the homeserver's own
// registration checks.
func CompileNamespaces(namespaces RegistrationNamespaces) (*NamespaceMatcher, error) {
	matcher := &NamespaceMatcher{entries: make(map[NamespaceKind][]*Namespace, 3)}
	for kind, declared := range map[NamespaceKind][]RegistrationNamespace{
		NamespaceUser:  namespaces.Users,
		NamespaceAlias: namespaces.Aliases,
		NamespaceRoom:  namespaces.Rooms,
	} {
		compiled, err := compileKind(kind, declared)
		if err != nil {
			return nil, err
		}
		matcher.entries[kind] = compiled
	}
	return matcher, nil
}

func compileKind(kind NamespaceKind, declared []RegistrationNamespace) ([]*Namespace, error) {
	compiled := make([]*Namespace, 0, len(declared))
	seenExclusive := make(map[string]struct{}, len(declared))
	for i, entry := range declared {
		re, err := regexp.Compile(anchorPattern(entry.Regex))
		if err != nil {
			return nil, &ConfigError{
				Field: fmt.Sprintf("namespaces.%s[%d]", kind, i),
				Err:   err,
			}
		}
		if entry.Exclusive {
			if _, dup := seenExclusive[entry.Regex]; dup {
				return nil, &ConfigError{
					Field: fmt.Sprintf("namespaces.%s[%d]", kind, i),
					Err:   fmt.Errorf("duplicate exclusive pattern %q makes ownership ambiguous", entry.Regex),
				}
			}
			seenExclusive[entry.Regex] = struct{}{}
		}
		compiled = append(compiled, &Namespace{
			Kind:      kind,
			Exclusive: entry.Exclusive,
			Regex:     re,
			raw:       entry.Regex,
		})
	}
	return compiled, nil
}

// anchorPattern forces full-string matching, which is how homeservers
// interpret namespace regexes. Already-anchored patterns pass through.
func anchorPattern(pattern string) string {
	if !strings.HasPrefix(pattern, "^") {
		pattern = "^" + pattern
	}
	if !strings.HasSuffix(pattern, "$") {
		pattern += "$"
	}
	return pattern
}

// Owns returns the first entry of the given kind matching the value, in
// declaration order, or nil if no entry matches. Declaration order is the
// tie-break when several patterns admit the same value.
func (m *NamespaceMatcher) Owns(kind NamespaceKind, value string) *Namespace {
	for _, ns := range m.entries[kind] {
		if ns.Regex.MatchString(value) {
			return ns
		}
	}
	return nil
}

// OwnsUser reports which user namespace entry owns the given Matrix user ID.
func (m *NamespaceMatcher) OwnsUser(userID id.UserID) *Namespace {
	return m.Owns(NamespaceUser, string(userID))
}

// OwnsAlias reports which alias namespace entry owns the given room alias.
func (m *NamespaceMatcher) OwnsAlias(alias id.RoomAlias) *Namespace {
	return m.Owns(NamespaceAlias, string(alias))
}

// OwnsRoom reports which room namespace entry owns the given room ID.
func (m *NamespaceMatcher) OwnsRoom(roomID id.RoomID) *Namespace {
	return m.Owns(NamespaceRoom, string(roomID))
}
