package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/omochice/wired-socket/internal/config"
	"github.com/omochice/wired-socket/internal/logger"
	"github.com/omochice/wired-socket/internal/server"
	"github.com/spf13/cobra"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	var (
		configPath   string
		listen       string
		root         string
		name         string
		logLevel     string
		pingInterval time.Duration
	)

	cmd := &cobra.Command{
		Use:          "wired-server",
		Short:        "Serve chat and files over TCP and WebSocket on one port",
		Args:         cobra.NoArgs,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.LoadServer(configPath)
			if err != nil {
				return err
			}
			flags := cmd.Flags()
			if flags.Changed("listen") {
				cfg.Listen = listen
			}
			if flags.Changed("root") {
				cfg.Root = root
			}
			if flags.Changed("name") {
				cfg.Name = name
			}
			if flags.Changed("log-level") {
				cfg.LogLevel = logLevel
			}
			if flags.Changed("ping-interval") {
				cfg.PingInterval = config.Duration(pingInterval)
			}
			if err := cfg.Validate(); err != nil {
				return err
			}
			return run(cfg)
		},
	}

	f := cmd.Flags()
	f.StringVarP(&configPath, "config", "c", "", "YAML config file")
	f.StringVar(&listen, "listen", "", "Address to listen on for both TCP and WebSocket (e.g. :4871)")
	f.StringVar(&root, "root", "", "Directory shared with clients")
	f.StringVar(&name, "name", "", "Server name announced to clients")
	f.StringVar(&logLevel, "log-level", "", "Log level (debug, info, warn, error)")
	f.DurationVar(&pingInterval, "ping-interval", 0, "Interval between keep-alive pings, 0 disables them")
	return cmd
}

func run(cfg config.Server) error {
	log, err := logger.Configure(cfg.LogLevel, cfg.LogFormat, nil)
	if err != nil {
		return err
	}
	ciphers, err := config.ParseCiphers(cfg.Ciphers)
	if err != nil {
		return err
	}
	compressions, err := config.ParseCompressions(cfg.Compressions)
	if err != nil {
		return err
	}
	accounts := make(map[string]string, len(cfg.Accounts))
	for _, a := range cfg.Accounts {
		accounts[a.Login] = a.Password
	}

	srv := server.New(server.Options{
		Logger:       log,
		Name:         cfg.Name,
		Description:  cfg.Description,
		Accounts:     accounts,
		Root:         cfg.Root,
		PingInterval: time.Duration(cfg.PingInterval),
		Ciphers:      ciphers,
		Compressions: compressions,
	})
	if err := srv.Listen(cfg.Listen); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := srv.Serve(ctx); err != nil {
		return fmt.Errorf("server error: %w", err)
	}
	return nil
}
