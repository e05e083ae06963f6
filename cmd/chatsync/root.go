package main

import (
	"fmt"

	"ChatSync/internal/config"
	"ChatSync/internal/telemetry"

	"github.com/spf13/cobra"
)

var (
	version = "dev"
	commit  = "unknown"
)

// newRootCmd builds the command tree. Flags default to the values loaded from the
// environment, so a flag always wins over its CHATSYNC_* variable.
func newRootCmd(cfg *config.Config) *cobra.Command {
	root := &cobra.Command{
		Use:   "chatsync",
		Short: "Real-time chat client and development backend",
		Long: `chatsync keeps a WebSocket connection to a chat backend, streams assistant
replies into the terminal and creates sessions on demand.

Quick Start:
  chatsync serve                          # start the development backend
  chatsync chat                           # chat in a new session
  chatsync chat --session 12              # continue session 12

Every flag can also be set through a CHATSYNC_* environment variable.`,
		Version:       fmt.Sprintf("%s (commit: %s)", version, commit),
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	flags := root.PersistentFlags()
	flags.BoolVar(&cfg.Debug, "debug", cfg.Debug, "Enable debug logging")
	flags.StringVar(&cfg.LogDir, "log-dir", cfg.LogDir, "Directory for log, trace and metric files")

	root.SetVersionTemplate(`{{printf "%s\n" .Version}}`)
	root.AddCommand(newChatCmd(cfg), newServeCmd(cfg))
	return root
}

func telemetryOptions(cfg *config.Config, service string) telemetry.Options {
	return telemetry.Options{
		LogDir:      cfg.LogDir,
		ServiceName: service,
		Debug:       cfg.Debug,
	}
}
