// Package main is the entry point for the cfkit binary.
//
// cfkit manages Cloudflare tunnels and the local cloudflared processes that
// serve them. Without arguments it opens the dashboard; subcommands such as
// "tunnel start", "tunnel quick" and "tunnel status" run once and exit.
//
// Usage:
//
//	cfkit                                  # launch the dashboard
//	cfkit tunnel quick --port 8080         # random trycloudflare.com URL
//	cfkit tunnel start --hostname app.example.com --port 3000
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/treykane/cfkit/internal/cli"
	"github.com/treykane/cfkit/internal/output"
	"github.com/treykane/cfkit/internal/security"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := cli.NewRootCommand().ExecuteContext(ctx); err != nil {
		output.Printer{Out: os.Stdout, Err: os.Stderr}.Error(security.UserMessage(err, true), security.Remediation(err))
		stop()
		os.Exit(1)
	}
}
