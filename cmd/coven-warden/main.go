// ABOUTME: Entry point for coven-warden, the agent coordination and health monitoring server
// ABOUTME: Hosts the serve command plus operator commands that talk to a running warden

package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/fatih/color"
)

// Version is set by goreleaser at build time.
var version = "dev"

const banner = `
  ___ _____   _____ _ __   __      ____ _ _ __ __| | ___ _ __
 / __/ _ \ \ / / _ \ '_ \  \ \ /\ / / _' | '__/ _' |/ _ \ '_ \
| (_| (_) \ V /  __/ | | |  \ V  V / (_| | | | (_| |  __/ | | |
 \___\___/ \_/ \___|_| |_|   \_/\_/ \__,_|_|  \__,_|\___|_| |_|
`

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		red := color.New(color.FgRed, color.Bold)
		red.Fprint(os.Stderr, "Error: ")
		fmt.Fprintln(os.Stderr, err)
		cancel()
		os.Exit(1)
	}
}
