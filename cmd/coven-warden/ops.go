// ABOUTME: Operator intents: trigger recovery or queue lifecycle commands
// ABOUTME: Commands are delivered to the agent in its next heartbeat acknowledgement

package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/2389/coven-warden/internal/lifecycle"
)

func newRecoverCmd(opts *rootOptions) *cobra.Command {
	var issue string

	cmd := &cobra.Command{
		Use:   "recover <agent-id>",
		Short: "Run a recovery incident for an agent and wait for the outcome",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := opts.client()
			if err != nil {
				return err
			}
			rec, err := client.Recover(cmd.Context(), args[0], strings.ToUpper(issue))
			if err != nil {
				return fmt.Errorf("recovering %s: %w", args[0], err)
			}

			out := cmd.OutOrStdout()
			if opts.json {
				return printJSON(out, rec)
			}
			for _, a := range rec.ActionsTaken {
				mark := color.New(color.FgGreen).Sprint("✓")
				if !a.Success {
					mark = color.New(color.FgRed).Sprint("✗")
				}
				fmt.Fprintf(out, "  %s %s (attempt %d, %s)", mark, a.Action, a.Attempt, a.FinishedAt.Sub(a.StartedAt).Round(time.Millisecond))
				if a.Error != "" {
					fmt.Fprintf(out, ": %s", a.Error)
				}
				fmt.Fprintln(out)
			}
			if rec.Success {
				color.New(color.FgGreen).Fprintf(out, "  %s recovered\n", rec.AgentID)
			} else {
				color.New(color.FgRed).Fprintf(out, "  %s not recovered\n", rec.AgentID)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&issue, "issue", "UNRESPONSIVE", "issue type (UNRESPONSIVE, HIGH_ERROR_RATE, PERFORMANCE_DEGRADATION, RESOURCE_EXHAUSTION)")
	return cmd
}

func newCommandCmd(opts *rootOptions) *cobra.Command {
	var reason string

	cmd := &cobra.Command{
		Use:   "command <agent-id> [restart|clear_cache|checkpoint|standby|resume|shutdown]",
		Short: "Queue a lifecycle command, or list pending commands when no type is given",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := opts.client()
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()

			if len(args) == 1 {
				pending, err := client.PendingCommands(cmd.Context(), args[0])
				if err != nil {
					return fmt.Errorf("listing commands: %w", err)
				}
				if opts.json {
					return printJSON(out, pending)
				}
				if len(pending) == 0 {
					fmt.Fprintln(out, "  No pending commands")
				}
				for _, c := range pending {
					fmt.Fprintf(out, "  %s  %s  %s\n", c.IssuedAt.Format("15:04:05"), c.Type, c.Reason)
				}
				return nil
			}

			queued, err := client.SendCommand(cmd.Context(), args[0], lifecycle.CommandType(strings.ToLower(args[1])), reason)
			if err != nil {
				return fmt.Errorf("sending command: %w", err)
			}
			if opts.json {
				return printJSON(out, queued)
			}
			color.New(color.FgGreen).Fprint(out, "  ▶ ")
			fmt.Fprintf(out, "queued %s for %s (%s)\n", queued.Type, args[0], queued.ID)
			return nil
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "operator request", "reason recorded with the command")
	return cmd
}
