// hAIvemind - coding-agent session orchestration.
//
// A server and CLI that decomposes a prompt into a task DAG, runs
// coding agents against it with tiered model escalation, verifies the
// result, and streams everything over an event bus.
package main

import (
	stderrors "errors"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/haivemind/haivemind/internal/common/errors"
)

var (
	version  = "dev"
	flagJSON bool
	flagMock bool
)

// usageError marks user mistakes so main can exit 2 instead of 1.
type usageError struct{ error }

func (e usageError) Unwrap() error { return e.error }

func isUsage(err error) bool {
	var ue usageError
	if stderrors.As(err, &ue) {
		return true
	}
	if errors.IsBadRequest(err) || errors.IsNotFound(err) {
		return true
	}
	return strings.HasPrefix(err.Error(), "unknown command")
}

var rootCmd = &cobra.Command{
	Use:   "haivemind",
	Short: "hAIvemind - coding-agent session orchestration",
	Long: `hAIvemind runs swarms of coding agents against a task DAG.

  haivemind serve                         Start the API server
  haivemind projects                      List projects
  haivemind status <slug>                 Show project status
  haivemind build <slug> "<prompt>"       Run a session to completion
  haivemind replay <slug> <session-id>    Print a session's timeline
  haivemind autopilot <slug>              Run the autopilot loop`,
	Version:       version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().BoolVar(&flagJSON, "json", false, "Emit machine-readable JSON output")
	rootCmd.PersistentFlags().BoolVar(&flagMock, "mock", false, "Use the mock backend and mock oracles")
	rootCmd.SetFlagErrorFunc(func(cmd *cobra.Command, err error) error {
		return usageError{err}
	})
}

// exactArgs wraps cobra.ExactArgs so argument mistakes exit 2.
func exactArgs(n int) cobra.PositionalArgs {
	return func(cmd *cobra.Command, args []string) error {
		if err := cobra.ExactArgs(n)(cmd, args); err != nil {
			return usageError{err}
		}
		return nil
	}
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		if isUsage(err) {
			os.Exit(2)
		}
		os.Exit(1)
	}
}
