package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/kuuji/discard/internal/command"
	"github.com/kuuji/discard/internal/config"
	"github.com/kuuji/discard/internal/presence"
	"github.com/kuuji/discard/internal/rendezvous"
	"github.com/kuuji/discard/internal/rtcdriver"
	"github.com/kuuji/discard/internal/sessionx"
	"github.com/kuuji/discard/internal/store"
	"github.com/kuuji/discard/internal/supervisor"
	"github.com/kuuji/discard/internal/turn"
)

func defaultConfigPath() string {
	return config.DefaultConfigPath()
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Start the connection core",
	Long: `Start the rendezvous overlay, the Connection Supervisor, and the
command transport. Blocks until SIGINT/SIGTERM or a Shutdown command is
received on the command transport.`,
	RunE: runRun,
}

func runRun(cmd *cobra.Command, args []string) error {
	cfgPath := resolvedConfigPath()
	cfg, err := config.LoadConfig(cfgPath)
	if err != nil {
		globalLogger.Warn("no config file found, using defaults", "path", cfgPath, "error", err)
		cfg = config.DefaultConfig()
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	ep, err := rendezvous.NewEndpoint(ctx, rendezvous.Config{
		KeyFile:    cfg.Overlay.KeyFile,
		ListenPort: cfg.Overlay.ListenPort,
	})
	if err != nil {
		return fmt.Errorf("starting rendezvous overlay: %w", err)
	}
	defer ep.Close()
	globalLogger.Info("rendezvous overlay started", "node_id", ep.NodeId().Short(), "addrs", ep.Addrs())

	st, err := store.Open(cfg.Store.Path)
	if err != nil {
		return fmt.Errorf("opening store: %w", err)
	}
	defer st.Close()

	exchange := sessionx.New(ep, globalLogger)
	pres := presence.New(ep, globalLogger)

	driverCfg := rtcdriver.Config{
		ICE: turn.ServerConfig{
			STUNURLs: cfg.STUN.Servers,
			TURNURLs: cfg.TURN.URLs,
			Secret:   cfg.TURN.Secret,
		},
		ForceRelay: cfg.TURN.ForceRelay,
		Logger:     globalLogger,
	}

	sup := supervisor.New(st, exchange, pres, driverCfg, ep.NodeId(), globalLogger)
	supCtx, supCancel := context.WithCancel(context.Background())
	defer supCancel()
	supDone := make(chan struct{})
	go func() {
		sup.Run(supCtx)
		close(supDone)
	}()

	cmdSrv := command.New(sup, ep.NodeId(), globalLogger)
	serveErr := make(chan error, 1)
	go func() { serveErr <- cmdSrv.ListenAndServe(cfg.Command.Port) }()

	globalLogger.Info("discardd ready", "command_port", cfg.Command.Port)

	select {
	case <-ctx.Done():
		// Shutdown the command loop first (it tears down live connections);
		// only then cancel its context, so sup.Shutdown doesn't race Run's
		// own ctx.Done exit.
		globalLogger.Info("shutting down")
		cmdSrv.Close()
		sup.Shutdown()
		return nil
	case <-supDone:
		// A Shutdown command on the command transport has already stopped
		// the command loop and torn down live connections.
		globalLogger.Info("shutting down")
		cmdSrv.Close()
		return nil
	case err := <-serveErr:
		if err != nil {
			return fmt.Errorf("command transport: %w", err)
		}
		return nil
	}
}
