// Package cli provides the command-line interface of the fetch tool.
package cli

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"

	"github.com/spf13/cobra"
)

// Version information, set by build flags.
var (
	Version   = "dev"
	GitCommit = "none"
)

// Deps are external dependencies of the commands, they are replaced in tests.
type Deps struct {
	Stdout io.Writer
	Stderr io.Writer
	// Transport of outbound requests, it is created from the flags if nil.
	Transport http.RoundTripper
}

// NewRootCommand creates the fetch command with all sub-commands.
func NewRootCommand(deps Deps) *cobra.Command {
	f := &flags{}
	root := &cobra.Command{
		Use:   "fetch",
		Short: "Fetch JSON resources concurrently",
		Long: `fetch sends HTTP requests and prints one JSON line per request outcome.

Each outcome is either a success with the decoded JSON payload,
or a failure of the kind "transport", "http_status" or "decode".
Outcomes are printed in the order of the requests.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			if err := f.loadEnv(cmd.Flags()); err != nil {
				return err
			}
			return f.validate()
		},
	}
	root.SetOut(deps.Stdout)
	root.SetErr(deps.Stderr)
	root.SetFlagErrorFunc(func(_ *cobra.Command, err error) error {
		return &ExitError{Code: ExitConfigError, Err: err}
	})
	f.bind(root.PersistentFlags())

	newRun := func(cmd *cobra.Command) *run {
		return &run{flags: f, stdout: cmd.OutOrStdout(), stderr: cmd.ErrOrStderr(), transport: deps.Transport}
	}

	oneCmd := &cobra.Command{
		Use:   "one <url>",
		Short: "Fetch a single request",
		Args:  commandArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return newRun(cmd).one(cmd.Context(), args)
		},
	}

	var stream bool
	eachCmd := &cobra.Command{
		Use:   "each <url>...",
		Short: "Fetch all requests, each outcome is independent",
		Args:  commandArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return newRun(cmd).each(cmd.Context(), args, stream)
		},
	}
	eachCmd.Flags().BoolVar(&stream, "stream", false, "print successful payloads as they arrive")

	var failFast bool
	allCmd := &cobra.Command{
		Use:   "all <url>...",
		Short: "Fetch all requests, fail if any of them fails",
		Args:  commandArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return newRun(cmd).all(cmd.Context(), args, failFast)
		},
	}
	allCmd.Flags().BoolVar(&failFast, "fail-fast", false, "cancel remaining requests on the first failure")

	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		PersistentPreRunE: func(*cobra.Command, []string) error {
			return nil
		},
		Run: func(cmd *cobra.Command, _ []string) {
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "fetch version %s\n  commit: %s\n", Version, GitCommit)
		},
	}

	root.AddCommand(oneCmd, eachCmd, allCmd, versionCmd)
	return root
}

// Execute runs the command and returns the exit code.
func Execute(ctx context.Context, args []string, deps Deps) int {
	if deps.Stdout == nil {
		deps.Stdout = os.Stdout
	}
	if deps.Stderr == nil {
		deps.Stderr = os.Stderr
	}
	root := NewRootCommand(deps)
	root.SetArgs(args)
	err := root.ExecuteContext(ctx)
	if err != nil {
		_, _ = fmt.Fprintf(deps.Stderr, "Error: %v\n", err)
	}
	return ExitCode(err)
}
