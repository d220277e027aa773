package commands

import (
	"encoding/json"

	"github.com/spf13/cobra"

	"github.com/dyluth/drey/internal/cards"
	"github.com/dyluth/drey/internal/decisions"
	"github.com/dyluth/drey/internal/printer"
	"github.com/dyluth/drey/pkg/ledger"
)

var (
	decisionsUrgency string
	decisionsJSON    bool
	renderNote       string
)

var decisionsCmd = &cobra.Command{
	Use:   "decisions",
	Short: "Work the decision queue",
}

var decisionsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List open decisions, most urgent first",
	RunE:  runDecisionsList,
}

var decisionsShowCmd = &cobra.Command{
	Use:   "show <decision-id>",
	Short: "Show a decision with its full context bundle",
	Args:  cobra.ExactArgs(1),
	RunE:  runDecisionsShow,
}

var decisionsClaimCmd = &cobra.Command{
	Use:   "claim <decision-id>",
	Short: "Take the advisory claim on a decision",
	Args:  cobra.ExactArgs(1),
	RunE:  runDecisionsClaim,
}

var decisionsRenderCmd = &cobra.Command{
	Use:   "render <decision-id> <option-key>",
	Short: "Render a decision by selecting one of its options",
	Long: `Render a decision. Exactly one render wins; a second render of the
same decision is recorded as a rejection and changes nothing.`,
	Args: cobra.ExactArgs(2),
	RunE: runDecisionsRender,
}

func init() {
	decisionsListCmd.Flags().StringVar(&decisionsUrgency, "urgency", "", "Filter by urgency: now, today, or whenever")
	decisionsListCmd.Flags().BoolVar(&decisionsJSON, "json", false, "Output in JSON format")
	decisionsRenderCmd.Flags().StringVar(&renderNote, "note", "", "Free-form note recorded on the render event")

	decisionsCmd.AddCommand(decisionsListCmd, decisionsShowCmd, decisionsClaimCmd, decisionsRenderCmd)
	rootCmd.AddCommand(decisionsCmd)
}

func newDecisions(s *session) *decisions.Service {
	return decisions.New(s.client, newGuard(s), cards.NewMachine(s.client, s.log), nil, s.log,
		decisions.WithClaimTTL(s.cfg.Decisions.ClaimTTL.Std()))
}

func runDecisionsList(cmd *cobra.Command, args []string) error {
	s, err := newSession()
	if err != nil {
		return err
	}
	defer s.Close()

	scope, err := s.scope()
	if err != nil {
		return err
	}

	open, err := newDecisions(s).Pending(s.ctx, scope, ledger.Urgency(decisionsUrgency))
	if err != nil {
		return printer.Fail(err)
	}

	if decisionsJSON {
		data, err := json.MarshalIndent(open, "", "  ")
		if err != nil {
			return err
		}
		printer.Println(string(data))
		return nil
	}

	if len(open) == 0 {
		printer.Println("No open decisions.")
		return nil
	}

	printer.Printf("%-28s %-9s %-9s %-20s %s\n", "DECISION", "URGENCY", "STATE", "CLAIMED BY", "TITLE")
	for _, d := range open {
		claimant := d.ClaimedBy
		if claimant == "" {
			claimant = "-"
		}
		printer.Printf("%-28s %-9s %-9s %-20s %s\n", d.ID, d.Urgency, d.State, claimant, d.Title)
	}
	return nil
}

func runDecisionsShow(cmd *cobra.Command, args []string) error {
	s, err := newSession()
	if err != nil {
		return err
	}
	defer s.Close()

	scope, err := s.scope()
	if err != nil {
		return err
	}

	decisionID, err := resolveID(s, scope, "decision", args[0])
	if err != nil {
		return err
	}

	detail, err := newDecisions(s).DecisionDetail(s.ctx, scope, decisionID)
	if err != nil {
		return printer.Fail(err)
	}
	if detail == nil {
		return printer.Error("Decision not found", "No decision "+decisionID+" in this project.", nil)
	}

	d := detail.Decision
	printer.Printf("Decision: %s\n", d.ID)
	printer.Printf("State:    %s\n", d.State)
	printer.Printf("Urgency:  %s\n", d.Urgency)
	printer.Printf("Title:    %s\n", d.Title)
	if d.ContextSummary != "" {
		printer.Printf("Context:  %s\n", d.ContextSummary)
	}
	if d.ExpiresAt > 0 {
		printer.Printf("Expires:  %s (fallback: %s)\n", formatTS(d.ExpiresAt), orDash(d.FallbackOption))
	}
	if d.ClaimedBy != "" {
		printer.Printf("Claimed:  %s until %s\n", d.ClaimedBy, formatTS(d.ClaimedUntil))
	}
	if d.State == ledger.DecisionRendered {
		printer.Printf("Rendered: %s by %s at %s\n", d.RenderedOption, d.RenderedBy, formatTS(d.RenderedAt))
	}

	printer.Printf("\nOptions:\n")
	for _, opt := range d.Options {
		printer.Printf("  %-12s %s", opt.Key, opt.Label)
		if opt.Consequence != "" {
			printer.Printf(" (%s)", opt.Consequence)
		}
		printer.Printf("\n")
	}

	if detail.Command != nil {
		printer.Printf("\nCommand:  %s (%s) %s\n",
			detail.Command.ID, detail.Command.Status, detail.Command.Title)
	}
	if len(detail.Artifacts) > 0 {
		printer.Printf("\nArtifacts:\n")
		for _, a := range detail.Artifacts {
			printer.Printf("  %s  %-20s %s (%d bytes)\n", a.ID, a.Type, a.LogicalName, a.ByteSize)
		}
	}
	if len(detail.Events) > 0 {
		printer.Printf("\nThread:\n")
		for _, e := range detail.Events {
			printer.Printf("  %s  %-24s %s\n", formatTS(e.TS), e.Type, e.ID)
		}
	}
	return nil
}

func runDecisionsClaim(cmd *cobra.Command, args []string) error {
	s, err := newSession()
	if err != nil {
		return err
	}
	defer s.Close()

	scope, err := s.scope()
	if err != nil {
		return err
	}

	decisionID, err := resolveID(s, scope, "decision", args[0])
	if err != nil {
		return err
	}

	outcome, err := newDecisions(s).Claim(s.ctx, scope, decisionID)
	if err != nil {
		return printer.Fail(err)
	}

	switch outcome.Status {
	case decisions.StatusClaimed:
		printer.Success("Claimed %s until %s\n", decisionID, formatTS(outcome.ClaimedUntil))
	case decisions.StatusAlreadyClaimed:
		printer.Warning("Already claimed by %s until %s\n", outcome.ClaimedBy, formatTS(outcome.ClaimedUntil))
	}
	return nil
}

func runDecisionsRender(cmd *cobra.Command, args []string) error {
	s, err := newSession()
	if err != nil {
		return err
	}
	defer s.Close()

	scope, err := s.scope()
	if err != nil {
		return err
	}

	decisionID, err := resolveID(s, scope, "decision", args[0])
	if err != nil {
		return err
	}

	outcome, err := newDecisions(s).Render(s.ctx, scope, decisionID, args[1], renderNote)
	if err != nil {
		return printer.Fail(err)
	}

	switch outcome.Status {
	case decisions.StatusRendered:
		printer.Success("Rendered %s → %s\n", decisionID, outcome.SelectedOption)
	case decisions.StatusRejected:
		printer.Warning("Render rejected: %s\n", outcome.Reason)
	}
	return nil
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
