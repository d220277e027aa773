// Package resolver turns short ID prefixes into full ULIDs for the CLI.
package resolver

import (
	"context"
	"fmt"
	"strings"

	"github.com/dyluth/drey/pkg/ledger"
)

// MinPrefixLength is the shortest accepted prefix. ULIDs share a timestamp
// prefix, so very short prefixes match everything created in the same
// window.
const MinPrefixLength = 6

const ulidLength = 26

// Resolve expands a short ID prefix to the full ULID of one row of the
// given entity kind ("command", "run", "card", "decision", "artifact").
// A full-length ID passes through unchanged; existence is checked by
// whatever operation consumes it.
func Resolve(ctx context.Context, client *ledger.Client, s ledger.Scope, entity, shortID string) (string, error) {
	if len(shortID) == ulidLength {
		return strings.ToUpper(shortID), nil
	}
	if len(shortID) < MinPrefixLength {
		return "", fmt.Errorf("short ID must be at least %d characters (got %d)", MinPrefixLength, len(shortID))
	}

	matches, err := client.ScanIDsByPrefix(ctx, s, entity, strings.ToUpper(shortID))
	if err != nil {
		return "", fmt.Errorf("failed to search for %s: %w", entity, err)
	}

	switch len(matches) {
	case 0:
		return "", &NotFoundError{Entity: entity, ShortID: shortID}
	case 1:
		return matches[0], nil
	default:
		return "", &AmbiguousError{Entity: entity, ShortID: shortID, Matches: matches}
	}
}

// NotFoundError indicates no rows matched the prefix.
type NotFoundError struct {
	Entity  string
	ShortID string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("no %s found matching %q", e.Entity, e.ShortID)
}

// AmbiguousError indicates multiple rows matched the prefix.
type AmbiguousError struct {
	Entity  string
	ShortID string
	Matches []string
}

func (e *AmbiguousError) Error() string {
	return fmt.Sprintf("ambiguous short ID %q matches %d %ss", e.ShortID, len(e.Matches), e.Entity)
}

// Describe lists the matches of an ambiguous prefix, capped at ten.
func (e *AmbiguousError) Describe() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s:\n", e.Error())

	display := len(e.Matches)
	if display > 10 {
		display = 10
	}
	for i := 0; i < display; i++ {
		fmt.Fprintf(&b, "  %s\n", e.Matches[i])
	}
	if len(e.Matches) > 10 {
		fmt.Fprintf(&b, "  ...and %d more\n", len(e.Matches)-10)
	}
	b.WriteString("\nUse a longer prefix.")
	return b.String()
}
