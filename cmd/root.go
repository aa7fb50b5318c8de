// Package cmd contains all the CLI commands for the application,
// built using the Cobra library.
package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/naka-gawa/kuper/internal/clierr"
	"github.com/naka-gawa/kuper/internal/config"
	"github.com/naka-gawa/kuper/internal/domain"
	"github.com/spf13/cobra"
)

// version is set at build time with -ldflags.
var version = "0.0.0-dev"

// NewRootCmd constructs the root command, which runs a collection.
func NewRootCmd() *cobra.Command {
	opts := &options{}
	cmd := &cobra.Command{
		Use:   "kuper --instance URL --days N [--report]",
		Short: "Collects the recent commits of tracked GitLab users.",
		Long: `kuper collects the commits the users listed in the configuration file
pushed to a GitLab instance during the last days, deduplicates commits
that appear on several branches and prints a summary per user and repository.
With --report it also writes a self-contained HTML report including diffs.`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return clierr.Wrap(run(cmd.Context(), cmd.OutOrStdout(), cmd.ErrOrStderr(), opts))
		},
	}
	cmd.SetFlagErrorFunc(func(_ *cobra.Command, err error) error {
		return clierr.Wrap(&domain.ConfigError{Reason: "bad arguments", Err: err})
	})

	flags := cmd.Flags()
	flags.StringVar(&opts.instance, "instance", "", "GitLab instance URL, e.g. https://gitlab.com (required)")
	flags.IntVar(&opts.days, "days", 0, fmt.Sprintf("Number of days to search for commits, 1-%d (required)", domain.MaxWindowDays))
	flags.BoolVar(&opts.report, "report", false, "Generate an HTML report including diffs")
	flags.StringVarP(&opts.configPath, "config", "c", config.DefaultPath, "Path to the configuration file")
	flags.StringVar(&opts.outputDir, "output-dir", ".", "Directory the HTML report is written to")
	flags.StringVar(&opts.xlsxPath, "xlsx", "", "Also export the commits to this XLSX file")
	cmd.PersistentFlags().BoolVarP(&opts.verbose, "verbose", "v", false, "Enable verbose/debug logging")
	cmd.PersistentFlags().StringVar(&opts.logFormat, "log-format", "text", "Log format: text or json")

	cmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print the version number",
		Run: func(cmd *cobra.Command, args []string) {
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "kuper version %s\n", version)
		},
	})
	return cmd
}

// Execute runs the root command and exits with the code matching its error.
// This is called by main.main(). SIGINT and SIGTERM cancel the running collection.
func Execute() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := NewRootCmd().ExecuteContext(ctx)
	stop()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(clierr.ExitCodeOf(err))
	}
}
