package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

// Version is set via ldflags at build time: -ldflags "-X main.Version=..."
var Version = "v0.1-dev"

const longHelp = `gorelay turns provider webhooks (GitHub, Jira, Slack, Sentry, Telegram or any
JSON sender) into tasks, runs each task through an external executor CLI and
posts the result back where the request came from.

- serve: run the relay (webhooks, API, WebSocket hub, reconciler).
- tasks, chat: talk to a running relay over its HTTP API.
- commands validate: check a static command file before deploying it.
- flow-id: print the flow id a provider external id maps to.
- status: query /healthz of a running relay.
- doctor: check the local setup without starting the relay.

Data lives in $GORELAY_HOME (default ~/.gorelay).`

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := newRootCmd().ExecuteContext(ctx)
	stop()
	if err != nil {
		// Startup failures were already logged with their reason code.
		var se *startupError
		if !errors.As(err, &se) {
			fmt.Fprintln(os.Stderr, "error:", err)
		}
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:           "gorelay",
		Short:         "Webhook to executor task relay",
		Long:          longHelp,
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			home, _ := cmd.Flags().GetString("home")
			if home != "" {
				return os.Setenv("GORELAY_HOME", home)
			}
			return nil
		},
	}
	addPersistentFlags(rootCmd)
	registerCommands(rootCmd)
	return rootCmd
}

func addPersistentFlags(rootCmd *cobra.Command) {
	rootCmd.PersistentFlags().String("home", "", "data directory (overrides GORELAY_HOME)")
	rootCmd.PersistentFlags().String("addr", "", "relay address for client commands (default: bind_addr from config)")
	rootCmd.PersistentFlags().String("token", "", "API bearer token (default: auth_token from config)")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
}

func registerCommands(rootCmd *cobra.Command) {
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(tasksCmd())
	rootCmd.AddCommand(chatCmd())
	rootCmd.AddCommand(commandsCmd())
	rootCmd.AddCommand(flowIDCmd())
	rootCmd.AddCommand(statusCmd())
	rootCmd.AddCommand(doctorCmd())
}
