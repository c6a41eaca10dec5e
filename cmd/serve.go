package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"tidbyt.dev/ovapi/server"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Runs the configured monitors and serves their metrics over HTTP",
	Args:  cobra.NoArgs,
	RunE:  serve,
}

var listen string

func init() {
	serveCmd.Flags().StringVarP(&listen, "listen", "", "", "Address to listen on (overrides config)")
	rootCmd.AddCommand(serveCmd)
}

func serve(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	manager, s, err := loadManager()
	if err != nil {
		return err
	}
	defer s.Close()
	defer manager.StopAll()

	// Warm the stop cache. Failure only degrades search.
	if _, err := manager.Cache.Ensure(ctx); err != nil {
		log.Warn().Err(err).Msg("Static stop data unavailable")
	}

	for _, m := range cfg.Monitors {
		if _, err := manager.Start(ctx, m.Monitor()); err != nil {
			return fmt.Errorf("starting monitor for '%s': %w", m.Stop, err)
		}
	}

	addr := cfg.Listen
	if listen != "" {
		addr = listen
	}

	srv := &http.Server{
		Addr:              addr,
		Handler:           server.New(manager),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", addr).Int("monitors", len(cfg.Monitors)).Msg("Serving")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}

	log.Info().Msg("Shut down")
	return nil
}
