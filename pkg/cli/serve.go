package cli

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/jguan/gametrans/pkg/gateway"
	"github.com/jguan/gametrans/pkg/infra/eventbus"
)

type serveFlags struct {
	addr      string
	cors      bool
	rateLimit int
}

func NewServeCommand(root *RootCommand) *cobra.Command {
	var f serveFlags

	cmd := &cobra.Command{
		Use:     "serve",
		Aliases: []string{"start"},
		Short:   "Start the HTTP API",
		Long: `Serve the translation pipeline over HTTP.

Bearer API key auth is enabled when gateway.api_keys (or
GAMETRANS_GATEWAY_API_KEY) is set; /health stays open.`,
		Example: `  # Listen on the configured address
  gametrans serve

  # Expose to a browser overlay on another port
  gametrans serve --addr 0.0.0.0:9000 --cors`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), root, f)
		},
	}

	cmd.Flags().StringVar(&f.addr, "addr", "", "Listen address (default from config)")
	cmd.Flags().BoolVar(&f.cors, "cors", false, "Allow cross-origin requests")
	cmd.Flags().IntVar(&f.rateLimit, "rate-limit", 0, "Requests per minute per client, 0 for unlimited")

	return cmd
}

func (f serveFlags) serverConfig(root *RootCommand) gateway.ServerConfig {
	cfg := root.Config()
	sc := gateway.DefaultServerConfig()
	sc.Addr = cfg.Gateway.ListenAddr
	if f.addr != "" {
		sc.Addr = f.addr
	}
	sc.RequestTimeout = cfg.Gateway.RequestTimeoutD
	sc.MaxRequestSize = cfg.Gateway.MaxRequestSize
	sc.RateLimitPerMinute = f.rateLimit
	sc.EnableCORS = f.cors
	sc.EnableAuth = len(cfg.Gateway.APIKeys) > 0
	sc.AuthConfig.APIKeys = cfg.Gateway.APIKeys
	sc.Logger = root.Logger()
	return sc
}

func runServe(ctx context.Context, root *RootCommand, f serveFlags) error {
	app, err := root.App(ctx)
	if err != nil {
		return err
	}
	log := root.Logger()

	if _, err := app.Events.Subscribe(func(e eventbus.Event) error {
		log.Debug("pipeline event",
			slog.String("type", e.Type),
			slog.String("request_id", e.RequestID),
			slog.Any("payload", e.Payload),
		)
		return nil
	}); err != nil {
		return err
	}

	var history gateway.History
	if app.History != nil {
		history = app.History
	}
	srv := gateway.NewServer(app.Pipeline, history, f.serverConfig(root))

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()

	select {
	case <-ctx.Done():
		log.Info("shutting down")
	case err := <-errCh:
		return err
	}

	if err := srv.Stop(context.Background()); err != nil {
		return fmt.Errorf("server shutdown: %w", err)
	}
	log.Info("gametrans server stopped")
	return nil
}
