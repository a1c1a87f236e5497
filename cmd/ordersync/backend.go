package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/sourcegraph/conc"
	"github.com/spf13/cobra"

	"github.com/coachpo/ordersync/internal/infra/cartapi"
	"github.com/coachpo/ordersync/internal/infra/config"
)

const defaultBackendAddr = "127.0.0.1:8000"

type backendOptions struct {
	*rootOptions
	Addr    string
	Catalog string
}

func newBackendCommand(root *rootOptions) *cobra.Command {
	opts := &backendOptions{rootOptions: root}

	cmd := &cobra.Command{
		Use:   "backend",
		Short: "Serve an in-memory cart backend from a catalog file",
		Long: `Serve the cart HTTP API from an in-memory catalog, for local development
against "ordersync run" with backend.mode http.

Example:
  ordersync backend --catalog config/catalog.yaml --addr 127.0.0.1:8000`,
		Args: cobra.NoArgs,
		RunE: func(*cobra.Command, []string) error {
			ctx, cancel := newSignalContext()
			defer cancel()
			return runBackend(ctx, opts)
		},
	}

	cmd.Flags().StringVar(&opts.Addr, "addr", defaultBackendAddr, "listen address")
	cmd.Flags().StringVar(&opts.Catalog, "catalog", "", "catalog YAML (default: backend.catalogPath from config)")

	return cmd
}

func runBackend(ctx context.Context, opts *backendOptions) error {
	logger := newLogger("ordersync-backend ")

	catalog := strings.TrimSpace(opts.Catalog)
	if catalog == "" {
		appCfg, _, err := config.LoadOrDefault(ctx, resolveConfigPath(opts.ConfigPath))
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		catalog = appCfg.Backend.CatalogPath
	}
	backend, err := newLocalBackend(catalog)
	if err != nil {
		return err
	}

	server := &http.Server{
		Addr:              opts.Addr,
		Handler:           http.StripPrefix("/api", cartapi.NewHandler(backend)),
		ReadHeaderTimeout: apiReadHeaderTimeout,
	}

	var lifecycle conc.WaitGroup
	serveErr := make(chan error, 1)
	lifecycle.Go(func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
	})
	logger.Printf("cart backend listening on %s/api (catalog=%q)", opts.Addr, catalog)

	var runErr error
	select {
	case <-ctx.Done():
	case runErr = <-serveErr:
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), apiServerShutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Printf("shutdown: %v", err)
	}
	lifecycle.Wait()
	return runErr
}
