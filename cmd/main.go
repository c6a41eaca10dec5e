package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"
	_ "time/tzdata"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"tidbyt.dev/ovapi"
	"tidbyt.dev/ovapi/config"
	"tidbyt.dev/ovapi/storage"
)

var rootCmd = &cobra.Command{
	Use:               "ovapi",
	Short:             "OVapi departures tool",
	Long:              "Looks up stops and live departures from OVapi",
	SilenceUsage:      true,
	PersistentPreRunE: setup,
}

var (
	configPath  string
	envFiles    []string
	realtimeURL string
	staticURL   string
	staticDir   string
	logLevel    string

	cfg *config.Config
)

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "YAML config file")
	rootCmd.PersistentFlags().StringSliceVarP(&envFiles, "env-file", "", []string{".env"}, ".env files to load")
	rootCmd.PersistentFlags().StringVarP(&realtimeURL, "realtime-url", "", "", "OVapi realtime URL")
	rootCmd.PersistentFlags().StringVarP(&staticURL, "static-url", "", "", "Static archive base URL")
	rootCmd.PersistentFlags().StringVarP(&staticDir, "static-dir", "", "", "Read static archives from this directory")
	rootCmd.PersistentFlags().StringVarP(&logLevel, "log-level", "", "", "Log level (debug, info, warn, error)")
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		stop()
		fmt.Println(err)
		os.Exit(1)
	}
}

func setup(cmd *cobra.Command, args []string) error {
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})

	if err := config.LoadDotEnv(envFiles...); err != nil {
		return err
	}

	var err error
	cfg, err = config.Load(configPath)
	if err != nil {
		return err
	}

	if realtimeURL != "" {
		cfg.RealtimeURL = realtimeURL
	}
	if staticURL != "" {
		cfg.StaticURL = staticURL
	}
	if staticDir != "" {
		cfg.StaticDir = staticDir
	}
	if logLevel != "" {
		cfg.LogLevel = logLevel
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		return fmt.Errorf("parsing log level: %w", err)
	}
	zerolog.SetGlobalLevel(level)

	return nil
}

func loadClient() (*ovapi.Client, error) {
	return cfg.Client()
}

// The returned storage must be closed by the caller.
func loadStopCache() (*ovapi.StopCache, storage.Storage, error) {
	s, err := cfg.Storage()
	if err != nil {
		return nil, nil, fmt.Errorf("opening cache storage: %w", err)
	}

	cache, err := cfg.StopCache(s)
	if err != nil {
		s.Close()
		return nil, nil, err
	}

	return cache, s, nil
}

func loadManager() (*ovapi.Manager, storage.Storage, error) {
	client, err := loadClient()
	if err != nil {
		return nil, nil, err
	}

	cache, s, err := loadStopCache()
	if err != nil {
		return nil, nil, err
	}

	return ovapi.NewManager(client, cache), s, nil
}
