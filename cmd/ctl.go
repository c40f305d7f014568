package cmd

import (
	"fmt"
	"strings"
	"time"

	"flowchat/config"

	"github.com/spf13/cobra"
)

type ctlOptions struct {
	*rootOptions
	Socket string
}

func newCtlCommand(rootOpts *rootOptions) *cobra.Command {
	opts := &ctlOptions{rootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "ctl",
		Short: "Talk to a running server over its control socket",
	}
	cmd.PersistentFlags().StringVar(&opts.Socket, "socket", "", "control socket path (overrides config)")

	cmd.AddCommand(&cobra.Command{
		Use:   "stats",
		Short: "Print connection and presence counters",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			path, err := opts.socketPath()
			if err != nil {
				return err
			}
			stats, err := sendControlCommand(path, "stats")
			if err != nil {
				return err
			}
			for _, field := range strings.Split(stats, "|") {
				fmt.Fprintln(cmd.OutOrStdout(), field)
			}
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "shutdown [reason] [until]",
		Short: "Close all live connections and stop the server",
		Long: `Close all live connections with a going-away status and stop the server.

reason defaults to "maintenance"; until is an optional RFC 3339 time at which
the server is expected back.

Example:
  flowchat ctl shutdown restart 2025-01-02T03:00:00Z`,
		Args: cobra.MaximumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			path, err := opts.socketPath()
			if err != nil {
				return err
			}

			line := "shutdown"
			if len(args) > 0 {
				line += "|" + args[0]
			}
			if len(args) > 1 {
				if _, err := time.Parse(time.RFC3339, args[1]); err != nil {
					return fmt.Errorf("until must be an RFC 3339 time: %w", err)
				}
				line += "|" + args[1]
			}

			resp, err := sendControlCommand(path, line)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), resp)
			return nil
		},
	})

	return cmd
}

func (o *ctlOptions) socketPath() (string, error) {
	if o.Socket != "" {
		return o.Socket, nil
	}
	cfg, err := config.Load(o.ConfigPath)
	if err != nil {
		return "", err
	}
	return cfg.ControlSocket, nil
}
