// Command pollnet-server answers framed requests on a single event-loop
// goroutine until it receives SIGINT or SIGTERM.
package main

import (
	"context"
	"errors"
	"io"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/Zereker/pollnet"
	"github.com/Zereker/pollnet/internal/config"
	"github.com/Zereker/pollnet/internal/telemetry"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		stop()
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	v := config.New()
	cmd := &cobra.Command{
		Use:   "pollnet-server <host> <port>",
		Short: "Serve framed requests over non-blocking TCP",
		Long: `pollnet-server accepts TCP connections and answers one framed request per
connection. Settings can also be given as POLLNET_<FLAG> environment
variables (e.g. POLLNET_LOG_LEVEL=debug) or in .env / .env.local.`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			// usage is only useful for argument errors
			cmd.SilenceUsage = true

			cfg, err := config.Load(v, cmd)
			if err != nil {
				return err
			}
			return run(cmd.Context(), cfg, args[0], args[1], cmd.ErrOrStderr())
		},
	}
	config.SetupFlags(cmd)
	config.SetupServerFlags(cmd)
	return cmd
}

func run(ctx context.Context, cfg *config.Config, host, port string, logOut io.Writer) error {
	logger, err := cfg.Logger(logOut)
	if err != nil {
		return err
	}
	addr, err := net.ResolveTCPAddr("tcp", net.JoinHostPort(host, port))
	if err != nil {
		return err
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	opts := append(cfg.Options(logger, registry), pollnet.OnMessageOption(handle))
	srv, err := pollnet.New(addr, opts...)
	if err != nil {
		return err
	}
	logger.Info("listening", "addr", srv.Addr())

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return srv.Serve(gctx)
	})
	if cfg.MetricsAddr != "" {
		g.Go(func() error {
			return telemetry.Serve(gctx, cfg.MetricsAddr, telemetry.NewRouter(registry, nil), logger)
		})
	}

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	logger.Info("shut down")
	return nil
}
