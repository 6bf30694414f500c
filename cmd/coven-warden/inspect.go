// ABOUTME: Read-only operator commands: agents, health, events and recoveries
// ABOUTME: Renders tables with tabwriter or raw JSON with --json

package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/2389/coven-warden/internal/agentclient"
	"github.com/2389/coven-warden/internal/lifecycle"
	"github.com/2389/coven-warden/internal/store"
)

func newAgentsCmd(opts *rootOptions) *cobra.Command {
	var heartbeats time.Duration

	cmd := &cobra.Command{
		Use:   "agents [agent-id]",
		Short: "List agents, or show one agent",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := opts.client()
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()

			if len(args) == 0 {
				agents, err := client.ListAgents(cmd.Context())
				if err != nil {
					return fmt.Errorf("listing agents: %w", err)
				}
				if opts.json {
					return printJSON(out, agents)
				}
				printAgents(out, agents, time.Now())
				return nil
			}

			agent, err := client.GetAgent(cmd.Context(), args[0])
			if err != nil {
				return fmt.Errorf("getting agent: %w", err)
			}
			var hbs []*store.HeartbeatRecord
			if heartbeats > 0 {
				hbs, err = client.Heartbeats(cmd.Context(), args[0], time.Now().Add(-heartbeats))
				if err != nil {
					return fmt.Errorf("listing heartbeats: %w", err)
				}
			}
			if opts.json {
				return printJSON(out, map[string]any{"agent": agent, "heartbeats": hbs})
			}
			printAgent(out, agent, hbs)
			return nil
		},
	}
	cmd.Flags().DurationVar(&heartbeats, "heartbeats", 0, "also show heartbeats from this far back (e.g. 15m)")
	return cmd
}

func stateColor(s lifecycle.State) *color.Color {
	switch {
	case s == lifecycle.StateError || s == lifecycle.StateSilent:
		return color.New(color.FgRed)
	case s == lifecycle.StateRecovering || s == lifecycle.StateInitializing:
		return color.New(color.FgYellow)
	case s.Operational():
		return color.New(color.FgGreen)
	default:
		return color.New(color.FgHiBlack)
	}
}

func printAgents(out io.Writer, agents []*store.AgentRecord, now time.Time) {
	if len(agents) == 0 {
		fmt.Fprintln(out, "  No agents registered")
		return
	}
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "  ID\tNAME\tSTATE\tLAST SEEN\tHEARTBEATS")
	fmt.Fprintln(w, "  --\t----\t-----\t---------\t----------")
	for _, a := range agents {
		seen := "never"
		if a.LastHeartbeatAt != nil {
			seen = now.Sub(*a.LastHeartbeatAt).Truncate(time.Second).String() + " ago"
		}
		fmt.Fprintf(w, "  %s\t%s\t%s\t%s\t%d\n",
			truncate(a.ID, 24), truncate(a.Name, 24), stateColor(a.State).Sprint(a.State), seen, a.HeartbeatCounter)
	}
	w.Flush()
}

func printAgent(out io.Writer, a *store.AgentRecord, hbs []*store.HeartbeatRecord) {
	gray := color.New(color.FgHiBlack)
	field := func(label, value string) {
		gray.Fprintf(out, "  %-14s ", label)
		fmt.Fprintln(out, value)
	}
	field("id", a.ID)
	field("name", a.Name)
	field("state", stateColor(a.State).Sprint(a.State))
	field("since", a.StateChangedAt.Format(time.RFC3339))
	field("registered", a.RegisteredAt.Format(time.RFC3339))
	if a.LastHeartbeatAt != nil {
		field("last heartbeat", a.LastHeartbeatAt.Format(time.RFC3339))
	}
	if len(a.Capabilities) > 0 {
		field("capabilities", strings.Join(a.Capabilities, ", "))
	}
	for k, v := range a.Metadata {
		field(k, v)
	}

	if len(hbs) == 0 {
		return
	}
	fmt.Fprintln(out)
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "  TIME\tSTATE\tCYCLES\tERRORS")
	for _, hb := range hbs {
		fmt.Fprintf(w, "  %s\t%s\t%d\t%d\n", hb.Timestamp.Format("15:04:05"), hb.ReportedState, hb.CycleCount, hb.ErrorCount)
	}
	w.Flush()
}

func newHealthCmd(opts *rootOptions) *cobra.Command {
	var readyOnly bool

	cmd := &cobra.Command{
		Use:   "health",
		Short: "Show fleet health, or probe readiness with --ready",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := opts.client()
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()

			if readyOnly {
				ready, err := client.Ready(cmd.Context())
				if err != nil {
					return fmt.Errorf("health check failed: %w", err)
				}
				if !ready {
					return fmt.Errorf("warden is degraded")
				}
				fmt.Fprintln(out, "ready")
				return nil
			}

			sum, err := client.HealthSummary(cmd.Context())
			if err != nil {
				return fmt.Errorf("fetching health: %w", err)
			}
			if opts.json {
				return printJSON(out, sum)
			}

			if sum.Degraded {
				color.New(color.FgRed, color.Bold).Fprintln(out, "  DEGRADED: state store unreachable, showing last-known state")
			}
			fmt.Fprintf(out, "  %d agents, average score %.1f, recovery success %.0f%% (%d incidents)\n\n",
				sum.Total, sum.AverageScore, sum.SuccessRate*100, sum.Recovery.Incidents)

			w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "  ID\tSTATE\tSCORE\tSTATUS\tAGE\tFLAGS")
			fmt.Fprintln(w, "  --\t-----\t-----\t------\t---\t-----")
			for _, a := range sum.Agents {
				score := "-"
				if a.Score != nil {
					score = fmt.Sprintf("%.1f", *a.Score)
				}
				var flags []string
				if a.Recovering {
					flags = append(flags, "recovering")
				}
				if a.NeedsOperator {
					flags = append(flags, "needs-operator")
				}
				fmt.Fprintf(w, "  %s\t%s\t%s\t%s\t%s\t%s\n",
					truncate(a.AgentID, 24), stateColor(a.State).Sprint(a.State), score, a.Status,
					(time.Duration(a.HeartbeatAge) * time.Second).String(), strings.Join(flags, ","))
			}
			w.Flush()
			return nil
		},
	}
	cmd.Flags().BoolVar(&readyOnly, "ready", false, "only check /health/ready")
	return cmd
}

func newEventsCmd(opts *rootOptions) *cobra.Command {
	var (
		filter   store.EventFilter
		severity string
		since    time.Duration
		follow   bool
	)

	cmd := &cobra.Command{
		Use:   "events",
		Short: "Show the audit log, newest first, or follow it with --follow",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := opts.client()
			if err != nil {
				return err
			}
			filter.MinSeverity = store.Severity(strings.ToUpper(severity))
			out := cmd.OutOrStdout()

			if follow {
				return client.StreamEvents(cmd.Context(), agentclient.StreamFilter{
					AgentID:     filter.AgentID,
					MinSeverity: filter.MinSeverity,
					Type:        filter.Type,
				}, func(e *store.SystemEvent) error {
					if opts.json {
						return json.NewEncoder(out).Encode(e)
					}
					fmt.Fprintln(out, eventRow(e, " "))
					return nil
				})
			}

			if since > 0 {
				t := time.Now().Add(-since)
				filter.Since = &t
			}
			events, err := client.Events(cmd.Context(), filter)
			if err != nil {
				return fmt.Errorf("listing events: %w", err)
			}
			if opts.json {
				return printJSON(out, events)
			}
			if len(events) == 0 {
				fmt.Fprintln(out, "  No events")
				return nil
			}

			w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "  TIME\tSEVERITY\tTYPE\tAGENT")
			fmt.Fprintln(w, "  ----\t--------\t----\t-----")
			for _, e := range events {
				fmt.Fprintln(w, eventRow(e, "\t"))
			}
			w.Flush()
			return nil
		},
	}
	f := cmd.Flags()
	f.StringVar(&filter.AgentID, "agent", "", "only events for this agent")
	f.StringVar(&filter.Type, "type", "", "only this event type")
	f.StringVar(&severity, "severity", "", "minimum severity (INFO, WARNING, CRITICAL)")
	f.DurationVar(&since, "since", 0, "only events newer than this (e.g. 1h)")
	f.IntVar(&filter.Limit, "limit", 50, "maximum events to show")
	f.BoolVarP(&follow, "follow", "f", false, "stream new events until interrupted")
	return cmd
}

func eventRow(e *store.SystemEvent, sep string) string {
	sev := string(e.Severity)
	switch e.Severity {
	case store.SeverityCritical:
		sev = color.New(color.FgRed, color.Bold).Sprint(sev)
	case store.SeverityWarning:
		sev = color.New(color.FgYellow).Sprint(sev)
	}
	return "  " + strings.Join([]string{e.Timestamp.Format("Jan 02 15:04:05"), sev, e.Type, e.AgentID}, sep)
}

func newRecoveriesCmd(opts *rootOptions) *cobra.Command {
	var (
		agentID string
		limit   int
	)

	cmd := &cobra.Command{
		Use:   "recoveries",
		Short: "Show recovery incidents and cumulative stats",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := opts.client()
			if err != nil {
				return err
			}
			recs, err := client.Recoveries(cmd.Context(), agentID, limit)
			if err != nil {
				return fmt.Errorf("listing recoveries: %w", err)
			}
			stats, err := client.RecoveryStats(cmd.Context())
			if err != nil {
				return fmt.Errorf("fetching recovery stats: %w", err)
			}

			out := cmd.OutOrStdout()
			if opts.json {
				return printJSON(out, map[string]any{"stats": stats, "recoveries": recs})
			}
			fmt.Fprintf(out, "  %d incidents, %d succeeded, %d exhausted, %d actions run\n\n",
				stats.Incidents, stats.Succeeded, stats.Exhausted, stats.ActionsRun)
			if len(recs) == 0 {
				return nil
			}

			w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "  STARTED\tAGENT\tISSUE\tACTIONS\tOUTCOME")
			fmt.Fprintln(w, "  -------\t-----\t-----\t-------\t-------")
			for _, r := range recs {
				actions := make([]string, 0, len(r.ActionsTaken))
				for _, a := range r.ActionsTaken {
					actions = append(actions, a.Action)
				}
				outcome := color.New(color.FgGreen).Sprint("recovered")
				if !r.Success {
					outcome = color.New(color.FgRed).Sprint("exhausted")
				}
				fmt.Fprintf(w, "  %s\t%s\t%s\t%s\t%s\n",
					r.StartedAt.Format("Jan 02 15:04:05"), truncate(r.AgentID, 24), r.IssueType, strings.Join(actions, ","), outcome)
			}
			w.Flush()
			return nil
		},
	}
	cmd.Flags().StringVar(&agentID, "agent", "", "only incidents for this agent")
	cmd.Flags().IntVar(&limit, "limit", 20, "maximum incidents to show")
	return cmd
}
