package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"
)

var verbose bool

// NewRootCmd constructs the root command with all subcommands attached.
func NewRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "odm",
		Short: "odm - document mapper tooling for Postgres and SQLite",
		Long:  "odm inspects document mappings and prepares the collections they are stored in.",
	}
	cmd.SilenceUsage = true
	cmd.SilenceErrors = true
	cmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable verbose logging output")
	cmd.AddCommand(newInspectCmd())
	cmd.AddCommand(newSchemaCmd())
	cmd.AddCommand(newDoctorCmd())
	return cmd
}

// Execute runs the CLI entrypoint and returns the process exit code.
func Execute(ctx context.Context) int {
	err := NewRootCmd().ExecuteContext(ctx)
	if err == nil {
		return 0
	}
	return reportError(os.Stderr, err)
}

func reportError(w io.Writer, err error) int {
	var cerr CommandError
	if !errors.As(err, &cerr) {
		fmt.Fprintln(w, err)
		return 1
	}
	msg := strings.TrimSpace(cerr.Message)
	if msg == "" && cerr.Cause != nil {
		msg = cerr.Cause.Error()
	}
	if msg != "" {
		fmt.Fprintln(w, msg)
	}
	if cerr.Cause != nil && msg != cerr.Cause.Error() && (verbose || msg == "") {
		fmt.Fprintf(w, "details: %v\n", cerr.Cause)
	}
	if cerr.Suggestion != "" {
		fmt.Fprintln(w, formatSuggestion(cerr.Suggestion))
	}
	return cerr.ExitStatus()
}

func logVerbose(cmd *cobra.Command, format string, args ...any) {
	if !verbose {
		return
	}
	fmt.Fprintf(cmd.ErrOrStderr(), "[verbose] "+format+"\n", args...)
}
