package commands

import (
	"encoding/json"

	"github.com/spf13/cobra"

	"github.com/dyluth/drey/internal/filter"
	"github.com/dyluth/drey/internal/printer"
	"github.com/dyluth/drey/internal/timespec"
	"github.com/dyluth/drey/pkg/ledger"
)

var (
	eventsCorrelation string
	eventsType        string
	eventsSince       string
	eventsUntil       string
	eventsProducer    string
	eventsTag         string
	eventsOutput      string
	eventsLimit       int
)

var eventsCmd = &cobra.Command{
	Use:   "events",
	Short: "List events from the ledger",
	Long: `List events, newest last. With --correlation the whole workflow
thread is shown; otherwise the project's time index is paged and the
remaining flags filter it.`,
	RunE: runEvents,
}

func init() {
	eventsCmd.Flags().StringVar(&eventsCorrelation, "correlation", "", "Show one workflow thread")
	eventsCmd.Flags().StringVar(&eventsType, "type", "", "Glob over the event type (e.g. 'Decision*')")
	eventsCmd.Flags().StringVar(&eventsSince, "since", "", "Lower bound: duration ago ('2h') or RFC3339")
	eventsCmd.Flags().StringVar(&eventsUntil, "until", "", "Upper bound: duration ago or RFC3339")
	eventsCmd.Flags().StringVar(&eventsProducer, "producer", "", "Filter by producer service")
	eventsCmd.Flags().StringVar(&eventsTag, "tag", "", "Filter by event tag")
	eventsCmd.Flags().StringVar(&eventsOutput, "output", "table", "Output format: table or jsonl")
	eventsCmd.Flags().IntVar(&eventsLimit, "limit", 200, "Maximum events to show")
	rootCmd.AddCommand(eventsCmd)
}

func runEvents(cmd *cobra.Command, args []string) error {
	s, err := newSession()
	if err != nil {
		return err
	}
	defer s.Close()

	scope, err := s.scope()
	if err != nil {
		return err
	}

	// Events are project-scoped reads; membership of any role suffices.
	if _, err := newGuard(s).Require(s.ctx, scope); err != nil {
		return printer.Fail(err)
	}

	sinceTS, untilTS, err := timespec.ParseRange(eventsSince, eventsUntil)
	if err != nil {
		return printer.Error("Invalid time range", err.Error(), nil)
	}

	criteria := filter.Criteria{
		SinceTS:  sinceTS,
		UntilTS:  untilTS,
		TypeGlob: eventsType,
		Producer: eventsProducer,
		Tag:      eventsTag,
	}

	events, err := collectEvents(s, scope, criteria)
	if err != nil {
		return printer.Fail(err)
	}

	if len(events) == 0 {
		if eventsOutput == "jsonl" {
			return nil
		}
		printer.Println("No events matched.")
		return nil
	}

	if eventsOutput == "jsonl" {
		enc := json.NewEncoder(cmd.OutOrStdout())
		for _, e := range events {
			if err := enc.Encode(e); err != nil {
				return err
			}
		}
		return nil
	}

	printer.Printf("%-24s %-24s %-28s %s\n", "TIME", "TYPE", "EVENT", "CORRELATION")
	for _, e := range events {
		printer.Printf("%-24s %-24s %-28s %s\n", formatTS(e.TS), e.Type, e.ID, e.CorrelationID)
	}
	return nil
}

func collectEvents(s *session, scope ledger.Scope, criteria filter.Criteria) ([]*ledger.Event, error) {
	if eventsCorrelation != "" {
		thread, err := s.client.EventsByCorrelation(s.ctx, scope, eventsCorrelation)
		if err != nil {
			return nil, err
		}
		matched := make([]*ledger.Event, 0, len(thread))
		for _, e := range thread {
			if criteria.Matches(e) && len(matched) < eventsLimit {
				matched = append(matched, e)
			}
		}
		return matched, nil
	}

	var matched []*ledger.Event
	afterID := ""
	for len(matched) < eventsLimit {
		page, err := s.client.EventsByTimeRange(s.ctx, scope, criteria.SinceTS, criteria.UntilTS, afterID, 100)
		if err != nil {
			return nil, err
		}
		if len(page) == 0 {
			break
		}
		for _, e := range page {
			if criteria.Matches(e) && len(matched) < eventsLimit {
				matched = append(matched, e)
			}
		}
		afterID = page[len(page)-1].ID
	}
	return matched, nil
}
