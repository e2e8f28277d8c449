package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	_ "go.uber.org/automaxprocs"
	"golang.org/x/sync/errgroup"
	k8s "k8s.io/client-go/kubernetes"

	"github.com/hasirciogluhq/xalpn-proxy/cmd/proxy/internal/api"
	"github.com/hasirciogluhq/xalpn-proxy/cmd/proxy/internal/config"
	"github.com/hasirciogluhq/xalpn-proxy/cmd/proxy/internal/core"
	"github.com/hasirciogluhq/xalpn-proxy/cmd/proxy/internal/factory"
	"github.com/hasirciogluhq/xalpn-proxy/cmd/proxy/internal/logger"
	"github.com/hasirciogluhq/xalpn-proxy/cmd/proxy/internal/metric"
	"github.com/hasirciogluhq/xalpn-proxy/cmd/proxy/internal/server"
)

const shutdownTimeout = 30 * time.Second

var errAcceptorExited = errors.New("acceptor exited before shutdown")

type flags struct {
	host  string
	port  int
	debug bool
}

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	var f flags
	cmd := &cobra.Command{
		Use:           "xalpn-proxy",
		Short:         "TLS acceptor that hands connections to HTTP/2 or HTTP/1.1 by ALPN",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.LoadFromEnv()
			if err != nil {
				return fmt.Errorf("configuration error: %w", err)
			}
			if err := applyFlags(cmd.Flags(), &f, cfg); err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return run(ctx, cfg)
		},
	}
	fs := cmd.Flags()
	fs.StringVar(&f.host, "host", "", "bind host (overrides BIND_HOST)")
	fs.IntVar(&f.port, "port", 0, "TLS port (overrides TLS_PORT)")
	fs.BoolVar(&f.debug, "debug", false, "enable debug logging (overrides DEBUG)")
	return cmd
}

// applyFlags lets explicitly set flags win over the environment.
func applyFlags(fs *pflag.FlagSet, f *flags, cfg *config.Config) error {
	if fs.Changed("host") {
		cfg.BindHost = f.host
	}
	if fs.Changed("port") {
		cfg.TLSPort = f.port
	}
	if fs.Changed("debug") {
		cfg.Debug = f.debug
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("configuration error: %w", err)
	}
	return nil
}

func run(ctx context.Context, cfg *config.Config) error {
	logger.Configure(cfg.Debug, cfg.LogFormat)
	logger.Info("Starting xalpn-proxy...",
		"handler", cfg.Handler,
		"runtime", cfg.Runtime,
		"discovery", cfg.DiscoveryMode,
		"tls_mode", cfg.TLSMode)

	var clientset k8s.Interface
	if cfg.NeedsKubernetes() {
		var err error
		if clientset, err = factory.NewKubeClient(cfg); err != nil {
			return fmt.Errorf("failed to create kubernetes client: %w", err)
		}
	}

	// TLS provider and certificate
	tlsFactory := factory.NewTLSFactory(cfg)
	tlsProvider, err := tlsFactory.Create(ctx, clientset)
	if err != nil {
		return fmt.Errorf("failed to create TLS provider: %w", err)
	}
	if err := tlsFactory.EnsureCertificate(ctx, tlsProvider); err != nil {
		return fmt.Errorf("failed to ensure certificate: %w", err)
	}
	tlsConfig, err := tlsFactory.ServerTLSConfig(ctx, tlsProvider)
	if err != nil {
		return err
	}

	var resolver core.BackendResolver
	if cfg.Handler == config.HandlerForward {
		if resolver, err = factory.NewResolverFactory(cfg).Create(ctx, clientset); err != nil {
			return fmt.Errorf("failed to create backend resolver: %w", err)
		}
	}

	protocols, err := factory.NewHandlerFactory(cfg).Create(resolver)
	if err != nil {
		return fmt.Errorf("failed to create protocol handlers: %w", err)
	}
	serverCfg, err := factory.NewServerConfig(cfg, tlsConfig, protocols)
	if err != nil {
		return fmt.Errorf("configuration error: %w", err)
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	collector := metric.NewCollector()
	if err := collector.Register(reg); err != nil {
		return fmt.Errorf("failed to register metrics: %w", err)
	}

	healthServer := api.NewHealthServer(":"+cfg.HealthServerPort, metric.Handler(reg))
	lifecycle := server.New(server.WithMetrics(collector))
	if err := lifecycle.Start(ctx, serverCfg); err != nil {
		return fmt.Errorf("failed to start server: %w", err)
	}

	healthServer.SetReady(true)
	logger.Info("Proxy is ready to accept connections", "addr", lifecycle.Addr(), "health_port", cfg.HealthServerPort)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return healthServer.Run(gctx)
	})
	g.Go(func() error {
		acceptorExited := false
		select {
		case <-gctx.Done():
		case <-lifecycle.Done():
			acceptorExited = true
		}
		healthServer.SetReady(false)
		logger.Info("Shutting down...")

		stopCtx, cancel := context.WithTimeout(context.WithoutCancel(gctx), shutdownTimeout)
		defer cancel()
		if err := lifecycle.Stop(stopCtx); err != nil {
			return err
		}
		if err := lifecycle.Err(); err != nil {
			return fmt.Errorf("acceptor failed: %w", err)
		}
		if acceptorExited {
			return errAcceptorExited
		}
		return nil
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	logger.Info("Shutdown complete")
	return nil
}
