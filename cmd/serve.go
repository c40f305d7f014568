package cmd

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"flowchat/auth"
	"flowchat/config"
	"flowchat/db"
	"flowchat/logger"
	"flowchat/server"

	"github.com/spf13/cobra"
)

type serveOptions struct {
	*rootOptions
	Port   int
	DBPath string
}

type shutdownRequest struct {
	reason string
	until  time.Time
}

func newServeCommand(rootOpts *rootOptions) *cobra.Command {
	opts := &serveOptions{rootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the chat server",
		Long: `Run the chat server.

Settings come from defaults, then the --config file, then a .env file,
then FLOWCHAT_* environment variables, then flags.

Example:
  flowchat serve --port 8080 --db ./flowchat.db
  flowchat serve -c /etc/flowchat.yaml`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd, opts)
		},
	}

	cmd.Flags().IntVarP(&opts.Port, "port", "p", 0, "HTTP port (overrides config)")
	cmd.Flags().StringVar(&opts.DBPath, "db", "", "path to SQLite database (overrides config)")

	return cmd
}

func runServe(cmd *cobra.Command, opts *serveOptions) error {
	cfg, err := config.Load(opts.ConfigPath)
	if err != nil {
		return err
	}
	if cmd.Flags().Changed("port") {
		cfg.Port = opts.Port
	}
	if cmd.Flags().Changed("db") {
		cfg.DBPath = opts.DBPath
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	log := logger.New(os.Stderr, cfg.LogLevel, cfg.LogFormat)

	database, err := db.New(cfg.DBPath)
	if err != nil {
		log.Error("Failed to initialize database", "path", cfg.DBPath, "error", err)
		return err
	}
	defer func() {
		if err := database.Close(); err != nil {
			log.Error("Error closing database", "error", err)
		}
	}()

	issuer := auth.NewIssuer(cfg.JWTSecret, auth.DefaultTTL)
	if !issuer.Enabled() {
		log.Warn("No JWT secret configured; identities are taken from requests as claimed")
	}

	srv := server.New(database, issuer, &server.ServerConfig{
		Port:                 cfg.Port,
		ReadTimeout:          time.Duration(cfg.ReadTimeout) * time.Second,
		WriteTimeout:         time.Duration(cfg.WriteTimeout) * time.Second,
		PingInterval:         time.Duration(cfg.PingInterval) * time.Second,
		SendQueueSize:        cfg.SendQueueSize,
		ReadLimit:            cfg.ReadLimit,
		RequireToken:         cfg.RequireToken,
		WSInsecureSkipVerify: cfg.WSInsecureSkipVerify,
		AllowedOrigins:       cfg.AllowedOrigins,
		EventRate:            cfg.EventRate,
		EventBurst:           cfg.EventBurst,
	}, log)

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	requests := make(chan shutdownRequest, 1)
	if cfg.ControlSocket != "" {
		ctl, err := startControlSocket(cfg.ControlSocket, srv.GetStats, func(reason string, until time.Time) {
			select {
			case requests <- shutdownRequest{reason: reason, until: until}:
			default:
			}
		}, log)
		if err != nil {
			log.Warn("Control socket unavailable", "path", cfg.ControlSocket, "error", err)
		} else {
			defer ctl.Close()
		}
	}

	serveErr := make(chan error, 1)
	go func() { serveErr <- srv.Start() }()

	req := shutdownRequest{reason: "maintenance"}
	select {
	case err := <-serveErr:
		return err
	case <-ctx.Done():
		log.Info("Received signal, shutting down")
	case req = <-requests:
		log.Info("Shutdown requested", "reason", req.reason, "until", req.until)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx, req.reason, req.until); err != nil {
		log.Error("Graceful shutdown failed", "error", err)
		return err
	}
	return <-serveErr
}
