package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/rmacdonaldsmith/meshrouter/internal/admin"
	"github.com/rmacdonaldsmith/meshrouter/internal/config"
	"github.com/rmacdonaldsmith/meshrouter/internal/logging"
	"github.com/rmacdonaldsmith/meshrouter/internal/node"
)

const (
	// Application info
	appName    = "meshrouter"
	appVersion = "0.1.0"

	shutdownTimeout = 30 * time.Second
)

func main() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	setupGracefulShutdown(cancel)

	if err := newRootCommand(prometheus.DefaultRegisterer).ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// setupGracefulShutdown cancels the run context on SIGINT, SIGTERM or SIGHUP
func setupGracefulShutdown(cancel context.CancelFunc) {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)

	go func() {
		sig := <-sigChan
		log := logging.New("main")
		log.Info().Str("signal", sig.String()).Msg("shutting down gracefully")
		cancel()
	}()
}

type options struct {
	configFile   string
	envFiles     []string
	showVersion  bool
	validateOnly bool
}

func newRootCommand(reg prometheus.Registerer) *cobra.Command {
	var opts options

	cmd := &cobra.Command{
		Use:   appName,
		Short: "Message router node",
		Long: `meshrouter runs a routing node: a cluster controller owning the global
routing table, or a library runtime forwarding unknown recipients to its parent.`,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			if opts.showVersion {
				fmt.Fprintf(out, "%s v%s\n", appName, appVersion)
				return nil
			}

			cfg, err := config.Load(opts.configFile, opts.envFiles...)
			if err != nil {
				return fmt.Errorf("invalid configuration: %w", err)
			}
			if opts.validateOnly {
				if _, err := cfg.NodeConfig(); err != nil {
					return fmt.Errorf("invalid configuration: %w", err)
				}
				fmt.Fprintf(out, "configuration for node %s (%s) is valid\n", cfg.NodeID, cfg.Role)
				return nil
			}

			if err := logging.Configure(cfg.Logging, cmd.ErrOrStderr()); err != nil {
				return err
			}
			r := &runner{registerer: reg, logger: logging.New("main")}
			return r.run(cmd.Context(), cfg)
		},
	}

	cmd.Flags().StringVarP(&opts.configFile, "config", "c", "", "Path to the YAML configuration file")
	cmd.Flags().StringSliceVar(&opts.envFiles, "env-file", nil, "Env files loaded before "+config.EnvPrefix+"* overrides are applied")
	cmd.Flags().BoolVar(&opts.showVersion, "version", false, "Show version and exit")
	cmd.Flags().BoolVar(&opts.validateOnly, "validate", false, "Validate the configuration and exit")
	return cmd
}

// runner owns one node and its admin server for the lifetime of ctx
type runner struct {
	registerer prometheus.Registerer
	logger     zerolog.Logger

	// ready, when set, is called once the node and the admin listener are up
	ready func(n *node.Node, adminAddr net.Addr)
}

func (r *runner) run(ctx context.Context, cfg *config.Config) error {
	nc, err := cfg.NodeConfig()
	if err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	r.logger.Info().
		Str("version", appVersion).
		Str("nodeId", nc.NodeID).
		Str(logging.FieldRole, string(nc.Role)).
		Msg("starting node")

	n, err := node.New(nc, node.WithRegisterer(r.registerer))
	if err != nil {
		return fmt.Errorf("failed to create node: %w", err)
	}
	defer func() {
		if err := n.Close(); err != nil {
			r.logger.Warn().Err(err).Msg("error closing node")
		}
	}()

	if err := n.Start(ctx); err != nil {
		return fmt.Errorf("failed to start node: %w", err)
	}

	var (
		server    *admin.Server
		adminAddr net.Addr
		serveErr  = make(chan error, 1)
	)
	if cfg.Admin.ListenAddr != "" {
		l, err := net.Listen("tcp", cfg.Admin.ListenAddr)
		if err != nil {
			return fmt.Errorf("failed to listen on %s: %w", cfg.Admin.ListenAddr, err)
		}
		adminAddr = l.Addr()
		server = admin.NewServer(n, admin.Config{
			ListenAddr: cfg.Admin.ListenAddr,
			SecretKey:  cfg.Admin.Secret,
		})
		go func() {
			serveErr <- server.Serve(l)
		}()
		r.logger.Info().Str("addr", adminAddr.String()).Bool("auth", cfg.Admin.Secret != "").Msg("admin API listening")
	}

	r.logStartup(ctx, n)
	if r.ready != nil {
		r.ready(n, adminAddr)
	}

	var runErr error
	select {
	case <-ctx.Done():
	case err := <-serveErr:
		if !errors.Is(err, http.ErrServerClosed) {
			runErr = fmt.Errorf("admin server failed: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if server != nil {
		if err := server.Stop(shutdownCtx); err != nil {
			r.logger.Warn().Err(err).Msg("error stopping admin server")
		}
	}
	if err := n.Stop(shutdownCtx); err != nil {
		r.logger.Warn().Err(err).Msg("error during graceful stop")
	}
	r.logger.Info().Str("nodeId", nc.NodeID).Msg("node stopped")
	return runErr
}

// logStartup reports the node health after a successful start
func (r *runner) logStartup(ctx context.Context, n *node.Node) {
	health, err := n.Health(ctx)
	if err != nil {
		r.logger.Warn().Err(err).Msg("could not get health status")
		return
	}

	event := r.logger.Info().
		Bool("healthy", health.Healthy).
		Int("routingEntries", health.RoutingEntries)
	for name, up := range health.Transports {
		event = event.Bool(name, up)
	}
	event.Msg("node started")
}
