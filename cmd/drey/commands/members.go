package commands

import (
	"time"

	"github.com/spf13/cobra"

	"github.com/dyluth/drey/internal/printer"
	"github.com/dyluth/drey/internal/projects"
	"github.com/dyluth/drey/pkg/ledger"
)

var memberRole string

var membersCmd = &cobra.Command{
	Use:   "members",
	Short: "Manage project membership",
}

var membersAddCmd = &cobra.Command{
	Use:   "add <user>",
	Short: "Add a member to the project",
	Args:  cobra.ExactArgs(1),
	RunE:  runMembersAdd,
}

var membersRemoveCmd = &cobra.Command{
	Use:   "remove <user>",
	Short: "Remove a member from the project",
	Long: `Remove a member. The last owner of a project cannot be removed;
transfer ownership first.`,
	Args: cobra.ExactArgs(1),
	RunE: runMembersRemove,
}

var membersListCmd = &cobra.Command{
	Use:   "list",
	Short: "List project members",
	RunE:  runMembersList,
}

func init() {
	membersAddCmd.Flags().StringVar(&memberRole, "role", "operator", "Role: owner, operator, viewer, or bot")
	membersCmd.AddCommand(membersAddCmd, membersRemoveCmd, membersListCmd)
	rootCmd.AddCommand(membersCmd)
}

func runMembersAdd(cmd *cobra.Command, args []string) error {
	s, err := newSession()
	if err != nil {
		return err
	}
	defer s.Close()

	scope, err := s.scope()
	if err != nil {
		return err
	}

	svc := projects.New(s.client, newGuard(s), s.log)
	member, err := svc.AddMember(s.ctx, scope, args[0], ledger.Role(memberRole))
	if err != nil {
		return printer.Fail(err)
	}

	printer.Success("Added %s as %s\n", member.UserID, member.Role)
	return nil
}

func runMembersRemove(cmd *cobra.Command, args []string) error {
	s, err := newSession()
	if err != nil {
		return err
	}
	defer s.Close()

	scope, err := s.scope()
	if err != nil {
		return err
	}

	svc := projects.New(s.client, newGuard(s), s.log)
	if err := svc.RemoveMember(s.ctx, scope, args[0]); err != nil {
		return printer.Fail(err)
	}

	printer.Success("Removed %s\n", args[0])
	return nil
}

func runMembersList(cmd *cobra.Command, args []string) error {
	s, err := newSession()
	if err != nil {
		return err
	}
	defer s.Close()

	scope, err := s.scope()
	if err != nil {
		return err
	}

	svc := projects.New(s.client, newGuard(s), s.log)
	members, err := svc.ListMembers(s.ctx, scope)
	if err != nil {
		return printer.Fail(err)
	}

	if len(members) == 0 {
		printer.Println("No members found.")
		return nil
	}

	printer.Printf("%-20s %-10s %-20s %s\n", "USER", "ROLE", "ADDED BY", "ADDED AT")
	for _, m := range members {
		printer.Printf("%-20s %-10s %-20s %s\n",
			m.UserID, m.Role, m.AddedBy, formatTS(m.AddedAt))
	}
	return nil
}

func formatTS(ts int64) string {
	if ts == 0 {
		return "-"
	}
	return time.UnixMilli(ts).UTC().Format(time.RFC3339)
}
