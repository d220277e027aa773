// Package printer is the CLI's output layer: colored status lines to
// stdout, formatted failures to stderr. Commands return the error from
// Fail/Error so cobra exits non-zero without printing a second copy.
package printer

import (
	"fmt"
	"os"
	"strings"

	"github.com/fatih/color"

	"github.com/dyluth/drey/pkg/ledger"
)

func init() {
	// Color stays on without a TTY; NO_COLOR disables it.
	if os.Getenv("NO_COLOR") == "" {
		color.NoColor = false
	}
}

var (
	green  = color.New(color.FgGreen)
	yellow = color.New(color.FgYellow)
	red    = color.New(color.FgRed, color.Bold)
	cyan   = color.New(color.FgCyan)
)

// Success prints a green checkmarked line.
func Success(format string, a ...any) {
	msg := fmt.Sprintf(format, a...)
	if !strings.HasPrefix(msg, "✓") {
		green.Printf("✓ %s", msg)
	} else {
		green.Print(msg)
	}
}

// Info prints an informational line in the default color.
func Info(format string, a ...any) {
	fmt.Printf(format, a...)
}

// Warning prints a yellow warning line.
func Warning(format string, a ...any) {
	yellow.Printf("⚠ %s", fmt.Sprintf(format, a...))
}

// Step prints a cyan progress line for multi-step operations.
func Step(format string, a ...any) {
	cyan.Printf("→ %s", fmt.Sprintf(format, a...))
}

// Error prints a formatted failure to stderr and returns a bare error
// carrying only the title, for cobra's (silenced) error path.
func Error(title string, explanation string, suggestions []string) error {
	red.Fprintf(os.Stderr, "%s\n", title)

	if explanation != "" {
		fmt.Fprintf(os.Stderr, "\n%s\n", explanation)
	}
	if len(suggestions) > 0 {
		fmt.Fprintf(os.Stderr, "\n")
		if len(suggestions) == 1 {
			fmt.Fprintf(os.Stderr, "%s\n", suggestions[0])
		} else {
			fmt.Fprintf(os.Stderr, "Either:\n")
			for i, suggestion := range suggestions {
				fmt.Fprintf(os.Stderr, "  %d. %s\n", i+1, suggestion)
			}
		}
	}
	return fmt.Errorf("%s", title)
}

// Fail renders any error, using the kind as the title for ledger errors.
func Fail(err error) error {
	if kind := ledger.KindOf(err); kind != ledger.KindInternal {
		return Error(string(kind), err.Error(), suggestionsFor(kind))
	}
	return Error("Error", err.Error(), nil)
}

func suggestionsFor(kind ledger.Kind) []string {
	switch kind {
	case ledger.KindUnauthenticated:
		return []string{"Set DREY_USER or pass --user to identify yourself."}
	case ledger.KindNotAMember, ledger.KindInsufficientPermissions:
		return []string{"Ask a project owner to add you: drey members add <user> --role operator"}
	case ledger.KindNotClaimable:
		return []string{"Someone else holds the claim; see drey decisions show for the claimant."}
	default:
		return nil
	}
}

// Println prints a plain line.
func Println(a ...any) {
	fmt.Println(a...)
}

// Printf prints a plain formatted string.
func Printf(format string, a ...any) {
	fmt.Printf(format, a...)
}
