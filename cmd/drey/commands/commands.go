package commands

import (
	"encoding/json"
	"errors"

	"github.com/spf13/cobra"

	"github.com/dyluth/drey/internal/admission"
	"github.com/dyluth/drey/internal/cards"
	"github.com/dyluth/drey/internal/printer"
	"github.com/dyluth/drey/internal/resolver"
	"github.com/dyluth/drey/pkg/ledger"
)

var (
	cmdType        string
	cmdVersion     string
	cmdArgs        string
	cmdTitle       string
	cmdCorrelation string
	cmdIdempKey    string
	cancelReason   string
)

var commandsCmd = &cobra.Command{
	Use:   "commands",
	Short: "Request, inspect, and cancel commands",
}

var commandsRequestCmd = &cobra.Command{
	Use:   "request",
	Short: "Admit a command and create its work card",
	RunE:  runCommandsRequest,
}

var commandsShowCmd = &cobra.Command{
	Use:   "show <command-id>",
	Short: "Show a command, its card, and its run lineage",
	Args:  cobra.ExactArgs(1),
	RunE:  runCommandsShow,
}

var commandsCancelCmd = &cobra.Command{
	Use:   "cancel <command-id>",
	Short: "Cancel a command",
	Long: `Cancel a command. The command row goes terminal; a RUNNING or
NEEDS_DECISION card fails with the cancel reason, while a READY or
RETRY_SCHEDULED card is abandoned and will be refused at start.`,
	Args: cobra.ExactArgs(1),
	RunE: runCommandsCancel,
}

func init() {
	commandsRequestCmd.Flags().StringVar(&cmdType, "type", "", "Executor routing key (e.g. digest.generate)")
	commandsRequestCmd.Flags().StringVar(&cmdVersion, "command-version", "1", "Command contract version")
	commandsRequestCmd.Flags().StringVar(&cmdArgs, "args", "", "JSON arguments for the executor")
	commandsRequestCmd.Flags().StringVar(&cmdTitle, "title", "", "Human-readable summary")
	commandsRequestCmd.Flags().StringVar(&cmdCorrelation, "correlation", "", "Workflow thread ID (generated when empty)")
	commandsRequestCmd.Flags().StringVar(&cmdIdempKey, "idempotency-key", "", "Dedup key; a repeat request returns the original receipt")
	commandsRequestCmd.MarkFlagRequired("type")

	commandsCancelCmd.Flags().StringVar(&cancelReason, "reason", "canceled by operator", "Reason recorded on the cancel event")

	commandsCmd.AddCommand(commandsRequestCmd, commandsShowCmd, commandsCancelCmd)
	rootCmd.AddCommand(commandsCmd)
}

func runCommandsRequest(cmd *cobra.Command, args []string) error {
	s, err := newSession()
	if err != nil {
		return err
	}
	defer s.Close()

	scope, err := s.scope()
	if err != nil {
		return err
	}

	correlation := cmdCorrelation
	if correlation == "" {
		correlation = ledger.NewID()
	}

	spec := ledger.CommandSpec{CommandType: cmdType, CommandVersion: cmdVersion}
	if cmdArgs != "" {
		if !json.Valid([]byte(cmdArgs)) {
			return printer.Error("Invalid --args", "The arguments must be a JSON document.", nil)
		}
		spec.Args = json.RawMessage(cmdArgs)
	}

	svc := admission.New(s.client, newGuard(s), cards.NewMachine(s.client, s.log), nil, s.log)
	receipt, err := svc.RequestCommand(s.ctx, scope, admission.CommandRequest{
		Spec:           spec,
		CorrelationID:  correlation,
		Title:          cmdTitle,
		IdempotencyKey: cmdIdempKey,
	})
	if err != nil {
		return printer.Fail(err)
	}

	if receipt.Duplicate {
		printer.Warning("Duplicate request; returning the original admission.\n")
	}
	printer.Success("Command %s admitted (card %s)\n", receipt.CommandID, receipt.CardID)
	return nil
}

func runCommandsShow(cmd *cobra.Command, args []string) error {
	s, err := newSession()
	if err != nil {
		return err
	}
	defer s.Close()

	scope, err := s.scope()
	if err != nil {
		return err
	}

	commandID, err := resolveID(s, scope, "command", args[0])
	if err != nil {
		return err
	}

	command, err := s.client.GetCommand(s.ctx, scope, commandID)
	if err != nil {
		return printer.Fail(err)
	}

	printer.Printf("Command:  %s\n", command.ID)
	printer.Printf("Status:   %s\n", command.Status)
	printer.Printf("Type:     %s (v%s)\n", command.Spec.CommandType, command.Spec.CommandVersion)
	if command.Title != "" {
		printer.Printf("Title:    %s\n", command.Title)
	}
	printer.Printf("Created:  %s\n", formatTS(command.CreatedTS))
	if command.Error != "" {
		printer.Printf("Error:    %s\n", command.Error)
	}

	if card, err := s.client.GetCardByCommand(s.ctx, scope, command.ID); err == nil {
		printer.Printf("Card:     %s (%s, attempt %d)\n", card.ID, card.State, card.Attempt)
	}

	runs, err := s.client.RunsForCommand(s.ctx, scope, command.ID)
	if err != nil {
		return printer.Fail(err)
	}
	if len(runs) > 0 {
		printer.Printf("\n%-28s %-10s %-4s %-20s %s\n", "RUN", "STATUS", "ATT", "EXECUTOR", "STARTED")
		for _, run := range runs {
			printer.Printf("%-28s %-10s %-4d %-20s %s\n",
				run.ID, run.Status, run.Attempt, run.Executor, formatTS(run.StartedTS))
		}
	}
	return nil
}

func runCommandsCancel(cmd *cobra.Command, args []string) error {
	s, err := newSession()
	if err != nil {
		return err
	}
	defer s.Close()

	scope, err := s.scope()
	if err != nil {
		return err
	}

	commandID, err := resolveID(s, scope, "command", args[0])
	if err != nil {
		return err
	}

	svc := admission.New(s.client, newGuard(s), cards.NewMachine(s.client, s.log), nil, s.log)
	if err := svc.CancelCommand(s.ctx, scope, commandID, cancelReason); err != nil {
		return printer.Fail(err)
	}

	printer.Success("Command %s canceled\n", commandID)
	return nil
}

// resolveID expands a short ID prefix via the resolver, rendering ambiguous
// matches as a formatted failure.
func resolveID(s *session, scope ledger.Scope, entity, shortID string) (string, error) {
	id, err := resolver.Resolve(s.ctx, s.client, scope, entity, shortID)
	if err == nil {
		return id, nil
	}
	var ambiguous *resolver.AmbiguousError
	if errors.As(err, &ambiguous) {
		return "", printer.Error("Ambiguous ID", ambiguous.Describe(), nil)
	}
	return "", printer.Error("Unknown "+entity, err.Error(), nil)
}
