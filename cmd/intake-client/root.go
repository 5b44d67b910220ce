package main

import (
	"github.com/spf13/cobra"

	"github.com/scof256/hellodoctor-sub007/internal/config"
)

type rootOptions struct {
	configFile string
	server     string
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	rootCmd := &cobra.Command{
		Use:          "intake-client",
		Short:        "Terminal client for the medical intake server",
		Long:         "intake-client talks to an intake server, keeping unsent messages in a local outbox so they survive restarts and lost connections.",
		SilenceUsage: true,
	}
	rootCmd.PersistentFlags().StringVar(&opts.configFile, "config", "", "config file (default ./intake.yaml or ~/.hellodoctor/intake.yaml)")
	rootCmd.PersistentFlags().StringVar(&opts.server, "server", "", "server base URL (overrides client.server_url)")

	rootCmd.AddCommand(
		newChatCmd(opts),
		newOutboxCmd(opts),
	)
	return rootCmd
}

func (o *rootOptions) load() (*config.Config, error) {
	cfg, err := config.Load(o.configFile)
	if err != nil {
		return nil, err
	}
	if o.server != "" {
		cfg.Client.ServerURL = o.server
	}
	return cfg, nil
}
