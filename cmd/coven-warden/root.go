// ABOUTME: Root cobra command and shared flags for config, target address and token
// ABOUTME: Client commands resolve the warden address from flags or the config file

package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/2389/coven-warden/internal/agentclient"
	"github.com/2389/coven-warden/internal/config"
)

type rootOptions struct {
	configPath string
	addr       string
	token      string
	json       bool
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}

	cmd := &cobra.Command{
		Use:   "coven-warden",
		Short: "Agent coordination and health monitoring",
		Long: `coven-warden tracks a fleet of long-running agents: it registers them,
watches their heartbeats, scores their health and walks failing agents
through automated recovery.

Run "coven-warden serve" to start the server. The other commands talk to a
running warden over its HTTP API.`,
		Version:       version,
		SilenceErrors: true,
		SilenceUsage:  true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}

	flags := cmd.PersistentFlags()
	flags.StringVarP(&opts.configPath, "config", "c", config.DefaultPath(), "config file (yaml or toml)")
	flags.StringVar(&opts.addr, "addr", "", "warden HTTP address (default: server.http_addr from config)")
	flags.StringVar(&opts.token, "token", os.Getenv("WARDEN_TOKEN"), "bearer token for /api")
	flags.BoolVar(&opts.json, "json", false, "print raw JSON")

	cmd.AddCommand(
		newServeCmd(opts),
		newAgentsCmd(opts),
		newHealthCmd(opts),
		newEventsCmd(opts),
		newRecoveriesCmd(opts),
		newRecoverCmd(opts),
		newCommandCmd(opts),
		newTokenCmd(opts),
	)
	return cmd
}

// loadConfig reads the config file, falling back to defaults when it does
// not exist.
func (o *rootOptions) loadConfig() (*config.Config, error) {
	if _, err := os.Stat(o.configPath); os.IsNotExist(err) {
		return config.Default(), nil
	}
	cfg, err := config.Load(o.configPath)
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}
	return cfg, nil
}

func (o *rootOptions) baseURL() (string, error) {
	addr := o.addr
	if addr == "" {
		cfg, err := o.loadConfig()
		if err != nil {
			return "", err
		}
		addr = cfg.Server.HTTPAddr
	}
	if !strings.HasPrefix(addr, "http://") && !strings.HasPrefix(addr, "https://") {
		addr = "http://" + addr
	}
	return addr, nil
}

func (o *rootOptions) client() (*agentclient.Client, error) {
	base, err := o.baseURL()
	if err != nil {
		return nil, err
	}
	return agentclient.New(base, agentclient.WithToken(o.token)), nil
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-1] + "…"
}
