package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/msageha/phasegate/internal/daemon"
	"github.com/msageha/phasegate/internal/telemetry"
	"github.com/msageha/phasegate/internal/uds"
)

func (a *app) serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the transition server",
		Long: `Holds the history store open, accepts phase outcomes over a Unix
socket, reloads policies when the config changes and serves Prometheus
metrics when metrics.enabled is set. SIGINT or SIGTERM shut it down.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := a.loadConfig()
			if err != nil {
				return err
			}
			log := a.logger(cfg)

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			opts := telemetry.FromEnv(telemetry.Options{Enabled: cfg.Telemetry.Enabled, Stdout: cfg.Telemetry.Stdout})
			if err := telemetry.Init(ctx, "phasegate", Version, opts); err != nil {
				return fmt.Errorf("telemetry: %w", err)
			}
			defer func() {
				if err := telemetry.Shutdown(context.Background()); err != nil {
					log.Warnf("telemetry shutdown: %v", err)
				}
			}()

			d, err := daemon.New(cfg, a.configPath(), daemon.Options{Logger: log, Version: Version})
			if err != nil {
				return err
			}
			return d.Run(ctx)
		},
	}
}

func (a *app) statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show the state of a running server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.serverCall(cmd.Context(), daemon.CmdStatus)
		},
	}
}

func (a *app) reloadCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "reload",
		Short: "Make a running server reread its config",
		Long:  "A config that fails to load is reported and the server keeps the previous one.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.serverCall(cmd.Context(), daemon.CmdReload)
		},
	}
}

func (a *app) serverCall(ctx context.Context, command string) error {
	cfg, err := a.loadConfig()
	if err != nil {
		return err
	}
	var st daemon.Status
	if err := uds.NewClient(daemon.SocketPath(cfg)).Call(ctx, command, nil, &st); err != nil {
		return err
	}
	return a.print(st, func(w io.Writer) { printStatus(w, st) })
}

func printStatus(w io.Writer, st daemon.Status) {
	fmt.Fprintf(w, "pid %d, version %s, up since %s\n", st.PID, st.Version, st.StartedAt.Format("2006-01-02 15:04:05"))
	fmt.Fprintf(w, "config:   %s\n", st.ConfigPath)
	fmt.Fprintf(w, "history:  %s\n", st.HistoryBackend)
	fmt.Fprintf(w, "agent:    %s\n", st.Agent)
	fmt.Fprintf(w, "policies: %s (default %s)\n", strings.Join(st.Policies, ", "), st.DefaultPolicy)
	if st.EventsDropped > 0 {
		fmt.Fprintf(w, "events dropped: %d\n", st.EventsDropped)
	}
}
