package commands

import (
	"github.com/spf13/cobra"

	"github.com/dyluth/drey/internal/cards"
	"github.com/dyluth/drey/internal/printer"
	"github.com/dyluth/drey/internal/timespec"
)

var (
	cardExecutor string
	cardResult   string
	cardError    string
	cardRetryAt  string
)

var cardsCmd = &cobra.Command{
	Use:   "cards",
	Short: "Report card execution lifecycle",
	Long: `Cards report the execution lifecycle of admitted work. Executors
call start when they pick a READY card up, then complete or fail when the
run ends. Each report moves the card state machine and the command's run
lineage together.`,
}

var cardsStartCmd = &cobra.Command{
	Use:   "start <card-id>",
	Short: "Move a READY card to RUNNING and open a run",
	Args:  cobra.ExactArgs(1),
	RunE:  runCardsStart,
}

var cardsCompleteCmd = &cobra.Command{
	Use:   "complete <card-id>",
	Short: "Close the in-flight run as succeeded; the card moves to DONE",
	Args:  cobra.ExactArgs(1),
	RunE:  runCardsComplete,
}

var cardsFailCmd = &cobra.Command{
	Use:   "fail <card-id>",
	Short: "Close the in-flight run as failed; the card retries or goes FAILED",
	Args:  cobra.ExactArgs(1),
	RunE:  runCardsFail,
}

func init() {
	cardsStartCmd.Flags().StringVar(&cardExecutor, "executor", "", "Identity of the executing worker (defaults to the caller)")
	cardsCompleteCmd.Flags().StringVar(&cardResult, "result", "", "Short outcome description")
	cardsFailCmd.Flags().StringVar(&cardError, "error", "", "Failure detail")
	cardsFailCmd.Flags().StringVar(&cardRetryAt, "retry-at", "", "Retry eligibility time (RFC 3339 or duration like 5m), overrides the backoff")
	_ = cardsFailCmd.MarkFlagRequired("error")

	cardsCmd.AddCommand(cardsStartCmd, cardsCompleteCmd, cardsFailCmd)
	rootCmd.AddCommand(cardsCmd)
}

func runCardsStart(cmd *cobra.Command, args []string) error {
	s, err := newSession()
	if err != nil {
		return err
	}
	defer s.Close()

	scope, err := s.scope()
	if err != nil {
		return err
	}
	cardID, err := resolveID(s, scope, "card", args[0])
	if err != nil {
		return err
	}

	executor := cardExecutor
	if executor == "" {
		executor = identity()
	}

	machine := cards.NewMachine(s.client, s.log)
	receipt, err := machine.StartRun(s.ctx, scope, cards.StartRunRequest{
		CardID:   cardID,
		Executor: executor,
	})
	if err != nil {
		return printer.Fail(err)
	}

	printer.Success("Card %s RUNNING (run %s, attempt %d)\n",
		receipt.Card.ID, receipt.Run.ID, receipt.Run.Attempt)
	return nil
}

func runCardsComplete(cmd *cobra.Command, args []string) error {
	s, err := newSession()
	if err != nil {
		return err
	}
	defer s.Close()

	scope, err := s.scope()
	if err != nil {
		return err
	}
	cardID, err := resolveID(s, scope, "card", args[0])
	if err != nil {
		return err
	}

	machine := cards.NewMachine(s.client, s.log)
	card, err := machine.CompleteRun(s.ctx, scope, cards.CompleteRunRequest{
		CardID:        cardID,
		ResultSummary: cardResult,
	})
	if err != nil {
		return printer.Fail(err)
	}

	printer.Success("Card %s DONE (command %s succeeded)\n", card.ID, card.CommandID)
	return nil
}

func runCardsFail(cmd *cobra.Command, args []string) error {
	s, err := newSession()
	if err != nil {
		return err
	}
	defer s.Close()

	scope, err := s.scope()
	if err != nil {
		return err
	}
	cardID, err := resolveID(s, scope, "card", args[0])
	if err != nil {
		return err
	}

	var retryAt int64
	if cardRetryAt != "" {
		retryAt, err = timespec.ParseFuture(cardRetryAt)
		if err != nil {
			return printer.Error("Invalid --retry-at", err.Error(),
				[]string{"Pass an RFC 3339 timestamp or a duration like 5m."})
		}
	}

	machine := cards.NewMachine(s.client, s.log)
	outcome, err := machine.FailRun(s.ctx, scope, cards.FailRunRequest{
		CardID:    cardID,
		Error:     cardError,
		RetryAtTS: retryAt,
	})
	if err != nil {
		return printer.Fail(err)
	}

	if outcome.WillRetry {
		printer.Success("Card %s RETRY_SCHEDULED (retry at %s)\n",
			outcome.Card.ID, formatTS(outcome.RetryAtTS))
	} else {
		printer.Success("Card %s FAILED\n", outcome.Card.ID)
	}
	return nil
}
