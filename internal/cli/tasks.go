package cli

import (
	"context"
	"fmt"
	"strings"
	"time"

	"dispatchd/internal/app"
	"dispatchd/internal/lifecycle"

	"github.com/spf13/cobra"
)

func newTriggerCmd(opts *rootOptions) *cobra.Command {
	var timeout time.Duration

	cmd := &cobra.Command{
		Use:       "trigger <task>",
		Short:     "Run one lifecycle task now and print its report",
		Long:      "Tasks: " + strings.Join(lifecycle.TaskNames, ", "),
		Args:      cobra.ExactArgs(1),
		ValidArgs: lifecycle.TaskNames,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			if timeout > 0 {
				var cancel context.CancelFunc
				ctx, cancel = context.WithTimeout(ctx, timeout)
				defer cancel()
			}
			return withApp(ctx, opts, func(a *app.App) error {
				rep, err := a.RunTask(ctx, args[0])
				if err != nil {
					return err
				}
				if err := printJSON(cmd.OutOrStdout(), rep); err != nil {
					return err
				}
				if rep.Failed > 0 {
					return fmt.Errorf("%s: %d of %d bookings failed", args[0], rep.Failed, rep.Found)
				}
				return nil
			})
		},
	}
	cmd.Flags().DurationVar(&timeout, "timeout", 2*time.Minute, "abort the run after this long")
	return cmd
}

func newStatusCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Print each lifecycle task with its cadence and next trigger",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), opts, func(a *app.App) error {
				return printJSON(cmd.OutOrStdout(), a.Lifecycle().Status())
			})
		},
	}
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version info",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "dispatchd %s (commit=%s, built=%s)\n", Version, CommitSHA, BuildDate)
		},
	}
}
