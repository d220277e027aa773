package filter

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/dyluth/drey/pkg/ledger"
)

func sampleEvent() *ledger.Event {
	return &ledger.Event{
		ID:       "01HQXW0000000000000000AAAA",
		Type:     ledger.EventDecisionRequested,
		TS:       5000,
		Producer: ledger.Producer{Service: "dreyd"},
		Tags:     []string{"digest"},
	}
}

func TestMatches(t *testing.T) {
	cases := []struct {
		name     string
		criteria Criteria
		want     bool
	}{
		{"empty criteria match all", Criteria{}, true},
		{"within time range", Criteria{SinceTS: 1000, UntilTS: 9000}, true},
		{"before since", Criteria{SinceTS: 6000}, false},
		{"after until", Criteria{UntilTS: 4000}, false},
		{"type glob match", Criteria{TypeGlob: "Decision*"}, true},
		{"type glob miss", Criteria{TypeGlob: "Command*"}, false},
		{"producer match", Criteria{Producer: "dreyd"}, true},
		{"producer miss", Criteria{Producer: "drey-cli"}, false},
		{"tag match", Criteria{Tag: "digest"}, true},
		{"tag miss", Criteria{Tag: "billing"}, false},
		{"all criteria together", Criteria{SinceTS: 1000, TypeGlob: "Decision*", Producer: "dreyd", Tag: "digest"}, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, tc.criteria.Matches(sampleEvent()))
		})
	}
}

func TestHasFilters(t *testing.T) {
	assert.False(t, (&Criteria{}).HasFilters())
	assert.True(t, (&Criteria{TypeGlob: "*"}).HasFilters())
	assert.True(t, (&Criteria{SinceTS: 1}).HasFilters())
}
