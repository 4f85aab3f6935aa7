package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/warp/stock-ledger/api"
)

// ServeOptions holds flags for the serve command.
type ServeOptions struct {
	*RootOptions
	Addr string
}

// NewServeCommand creates the serve command.
func NewServeCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ServeOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API",
		Long: `Start the HTTP API.

On SIGINT/SIGTERM the server stops accepting connections, waits for active
requests (up to the configured shutdown timeout), then closes the store.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), opts)
		},
	}
	cmd.Flags().StringVar(&opts.Addr, "addr", "", "listen address (overrides STOCKLEDGER_HTTP_ADDR)")
	return cmd
}

func runServe(ctx context.Context, opts *ServeOptions) error {
	if ctx == nil {
		ctx = context.Background()
	}
	a, err := bootstrap(ctx, opts.RootOptions)
	if err != nil {
		return err
	}
	defer a.Close()

	addr := a.cfg.HTTP.Addr
	if opts.Addr != "" {
		addr = opts.Addr
	}

	handler := api.NewHandler(a.engine, a.ota, a.log.With().Str("component", "api").Logger())
	server := &http.Server{
		Addr:         addr,
		Handler:      api.NewRouter(handler, api.RouterConfig{AllowedOrigins: a.cfg.HTTP.AllowedOrigins}),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		a.log.Info().Str("addr", addr).Str("store", a.cfg.Store.Driver).Str("lock", a.cfg.Lock.Driver).Msg("server starting")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(quit)

	select {
	case err, ok := <-errCh:
		if ok {
			return err
		}
		return nil
	case <-quit:
	}

	a.log.Info().Msg("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), a.cfg.HTTP.ShutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return err
	}
	a.log.Info().Msg("server stopped")
	return nil
}
