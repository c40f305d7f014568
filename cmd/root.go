// Package cmd holds the flowchat command line: the server itself and a small
// client for its control socket.
package cmd

import (
	"github.com/spf13/cobra"
)

type rootOptions struct {
	ConfigPath string
}

func NewRootCommand() *cobra.Command {
	opts := &rootOptions{}

	cmd := &cobra.Command{
		Use:   "flowchat",
		Short: "flowchat - one-to-one chat with live presence",
		Long: `flowchat serves a REST API for accounts and message history together with
a WebSocket channel for presence, typing indicators, read receipts and deletions.`,
		SilenceUsage: true,
	}

	cmd.PersistentFlags().StringVarP(&opts.ConfigPath, "config", "c", "", "path to YAML config file")

	cmd.AddCommand(newServeCommand(opts))
	cmd.AddCommand(newCtlCommand(opts))

	return cmd
}
