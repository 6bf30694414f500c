// ABOUTME: serve command starting the warden server in the foreground
// ABOUTME: Prints the banner and effective addresses, then blocks until interrupted

package main

import (
	"fmt"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/2389/coven-warden/internal/config"
	"github.com/2389/coven-warden/internal/server"
)

func newServeCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the warden server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.loadConfig()
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			cyan := color.New(color.FgCyan)
			gray := color.New(color.FgHiBlack)
			green := color.New(color.FgGreen)
			yellow := color.New(color.FgYellow)

			cyan.Fprint(out, banner)
			gray.Fprintf(out, "    version: %s\n\n", version)

			line := func(label, value string) {
				green.Fprint(out, "    ▶ ")
				fmt.Fprintf(out, "%-10s %s\n", label+":", value)
			}
			line("Config", opts.configPath)
			line("HTTP", cfg.Server.HTTPAddr)
			if cfg.Server.GRPCAddr != "" {
				line("gRPC", cfg.Server.GRPCAddr)
			}
			store := cfg.Database.Driver
			if cfg.Database.Driver == config.DriverRedis {
				store += " " + cfg.Database.RedisAddr
			} else {
				store += " " + cfg.Database.Path
			}
			line("Store", store)
			if cfg.Metrics.Enabled {
				line("Metrics", cfg.Metrics.Path)
			}
			if cfg.Auth.JWTSecret == "" {
				yellow.Fprintln(out, "    ! auth disabled")
			}
			fmt.Fprintln(out)

			logger := server.SetupLogger(cfg.Logging)
			logger.Info("starting coven-warden",
				"config", opts.configPath,
				"http_addr", cfg.Server.HTTPAddr,
				"grpc_addr", cfg.Server.GRPCAddr,
			)

			srv, err := server.New(cfg, logger)
			if err != nil {
				return fmt.Errorf("creating server: %w", err)
			}
			return srv.Run(cmd.Context())
		},
	}
}
