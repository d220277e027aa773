// Package filter holds the criteria the CLI applies to event listings.
package filter

import (
	"path/filepath"

	"github.com/dyluth/drey/pkg/ledger"
)

// Criteria are ANDed together: an event must match every active criterion.
// Zero values mean "match all" for that criterion.
type Criteria struct {
	SinceTS  int64  // Unix ms lower bound, 0 = no bound
	UntilTS  int64  // Unix ms upper bound, 0 = no bound
	TypeGlob string // Glob over the event type, empty = any
	Producer string // Exact match on producer service, empty = any
	Tag      string // Event must carry this tag, empty = any
}

// Matches reports whether the event passes every active criterion.
func (c *Criteria) Matches(e *ledger.Event) bool {
	if c.SinceTS > 0 && e.TS < c.SinceTS {
		return false
	}
	if c.UntilTS > 0 && e.TS > c.UntilTS {
		return false
	}
	if c.TypeGlob != "" {
		matched, err := filepath.Match(c.TypeGlob, string(e.Type))
		if err != nil || !matched {
			return false
		}
	}
	if c.Producer != "" && e.Producer.Service != c.Producer {
		return false
	}
	if c.Tag != "" && !hasTag(e, c.Tag) {
		return false
	}
	return true
}

// HasFilters reports whether any criterion is active.
func (c *Criteria) HasFilters() bool {
	return c.SinceTS > 0 || c.UntilTS > 0 || c.TypeGlob != "" || c.Producer != "" || c.Tag != ""
}

func hasTag(e *ledger.Event, tag string) bool {
	for _, t := range e.Tags {
		if t == tag {
			return true
		}
	}
	return false
}
