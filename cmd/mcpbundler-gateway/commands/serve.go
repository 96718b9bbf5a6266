package commands

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/jrbemt/mcpbundler-gateway/pkg/bundle"
	"github.com/jrbemt/mcpbundler-gateway/pkg/config"
	"github.com/jrbemt/mcpbundler-gateway/pkg/gatewayserver"
	"github.com/jrbemt/mcpbundler-gateway/pkg/log"
	"github.com/jrbemt/mcpbundler-gateway/pkg/session"
	"github.com/jrbemt/mcpbundler-gateway/pkg/store"
	"github.com/jrbemt/mcpbundler-gateway/pkg/telemetry"
	"github.com/jrbemt/mcpbundler-gateway/pkg/upstream"
)

func serveCommand() *cobra.Command {
	var (
		configPath string
		transport  string
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the gateway",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd.Context(), configPath, transport)
		},
	}
	cmd.Flags().StringVar(&configPath, "config", "", "path to the gateway's YAML configuration file")
	cmd.Flags().StringVar(&transport, "transport", "sse", "downstream transport: stdio, sse or http")
	_ = cmd.MarkFlagRequired("config")
	return cmd
}

func runServe(ctx context.Context, configPath, transport string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("serve: %w", err)
	}

	var opts []store.Option
	if cfg.DatabaseFile != "" {
		opts = append(opts, store.WithDatabaseFile(cfg.DatabaseFile))
	}
	st, err := store.New(opts...)
	if err != nil {
		return fmt.Errorf("serve: open store: %w", err)
	}
	defer st.Close()

	resolver := bundle.New(st, bundle.WildcardConfig{Enabled: cfg.Wildcard.Allow, Token: cfg.Wildcard.Value}, cfg.Secret)
	pool := upstream.NewPool()
	defer pool.CloseAll()

	telemetry.Init()
	telemetryCtx, stopTelemetry := context.WithCancel(ctx)
	defer stopTelemetry()
	go telemetry.StartPeriodicExport(telemetryCtx, 30*time.Second)

	gwCfg := gatewayserver.Config{
		Name:    cfg.Server.Name,
		Version: cfg.Server.Version,
		DevMode: cfg.DevMode,
		SessionConfig: session.Config{
			IdleTimeout:        time.Duration(cfg.Concurrency.IdleTimeoutMs) * time.Millisecond,
			NamespaceSeparator: cfg.Namespace.Separator,
			HashMode:           cfg.HashMode(),
			HashThreshold:      cfg.Namespace.HashThreshold,
		},
	}
	gw := gatewayserver.New(resolver, pool, gwCfg)

	watcher, err := config.Watch(configPath)
	if err != nil {
		log.Warnf("serve: config hot-reload disabled: %v", err)
	} else {
		defer watcher.Stop()
		go watchConfig(ctx, watcher, gw, resolver)
	}

	switch transport {
	case "stdio":
		token := os.Getenv("MCPBUNDLER_TOKEN")
		if token == "" {
			return errors.New("serve: MCPBUNDLER_TOKEN must be set for stdio transport")
		}
		return gw.StartStdio(ctx, token)

	case "sse", "http", "streamable", "streamable-http":
		addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
		ln, err := net.Listen("tcp", addr)
		if err != nil {
			return fmt.Errorf("serve: listen on %s: %w", addr, err)
		}
		httpServer := &http.Server{Handler: gw.Router()}

		go func() {
			<-ctx.Done()
			log.Infof("serve: shutting down, %d sessions active", gw.SessionCount())
			gw.Shutdown(context.Background())
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			_ = httpServer.Shutdown(shutdownCtx)
		}()

		log.Infof("serve: listening on %s", addr)
		if err := httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil

	default:
		return fmt.Errorf("serve: unknown transport %q, expected stdio, sse or http", transport)
	}
}

func watchConfig(ctx context.Context, watcher *config.Watcher, gw *gatewayserver.Server, resolver *bundle.Resolver) {
	for {
		select {
		case <-ctx.Done():
			return
		case cfg, ok := <-watcher.Updates():
			if !ok {
				return
			}
			gw.SetDevMode(cfg.DevMode)
			resolver.SetWildcard(bundle.WildcardConfig{Enabled: cfg.Wildcard.Allow, Token: cfg.Wildcard.Value})
			log.Infof("serve: configuration reloaded (dev_mode=%v, wildcard=%v)", cfg.DevMode, cfg.Wildcard.Allow)
		}
	}
}
