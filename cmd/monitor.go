package main

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"tidbyt.dev/ovapi"
	"tidbyt.dev/ovapi/model"
)

var monitorCmd = &cobra.Command{
	Use:   "monitor [stop]",
	Short: "Polls a stop (or the configured monitors) and prints what to catch",
	Args:  cobra.MaximumNArgs(1),
	RunE:  monitor,
}

var (
	monitorDirection   string
	monitorLine        string
	monitorDestination string
	monitorWalking     int
	monitorInterval    time.Duration
)

func init() {
	monitorCmd.Flags().StringVarP(&monitorDirection, "direction", "", "", "Stop code to monitor, or 'combined' for all directions")
	monitorCmd.Flags().StringVarP(&monitorLine, "line", "l", "", "Restrict to a specific line")
	monitorCmd.Flags().StringVarP(&monitorDestination, "destination", "d", "", "Restrict to destinations containing this")
	monitorCmd.Flags().IntVarP(&monitorWalking, "walking", "w", 0, "Minutes it takes to walk to the stop")
	monitorCmd.Flags().DurationVarP(&monitorInterval, "interval", "i", ovapi.DefaultPollInterval, "Poll interval")
	rootCmd.AddCommand(monitorCmd)
}

func monitor(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	manager, s, err := loadManager()
	if err != nil {
		return err
	}
	defer s.Close()
	defer manager.StopAll()

	configs := []ovapi.MonitorConfig{}
	if len(args) == 1 {
		configs = append(configs, ovapi.MonitorConfig{
			Stop:           args[0],
			Direction:      monitorDirection,
			Line:           monitorLine,
			Destination:    monitorDestination,
			WalkingMinutes: monitorWalking,
			PollInterval:   monitorInterval,
		})
	} else {
		for _, m := range cfg.Monitors {
			configs = append(configs, m.Monitor())
		}
	}
	if len(configs) == 0 {
		return fmt.Errorf("no stop given and no monitors configured")
	}

	interval := ovapi.MaxPollInterval
	for _, c := range configs {
		if _, err := manager.Start(ctx, c); err != nil {
			return fmt.Errorf("starting monitor for '%s': %w", c.Stop, err)
		}
		interval = min(interval, ovapi.ClampPollInterval(c.PollInterval))
	}

	// Give the first poll a moment before printing
	select {
	case <-ctx.Done():
		return nil
	case <-time.After(2 * time.Second):
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		printMetrics(manager, manager.Monitors())

		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

func printMetrics(manager *ovapi.Manager, handles []uuid.UUID) {
	now := time.Now()
	fmt.Printf("--- %s\n", now.Format("15:04:05"))

	for _, handle := range handles {
		metrics, err := manager.Metrics(handle, now)
		if err != nil {
			continue
		}

		fmt.Printf("%s [%s]", metrics.Name, metrics.State)
		if metrics.Message != "" {
			fmt.Printf(" %s", metrics.Message)
		}
		fmt.Println()

		for _, b := range []*model.BusSummary{metrics.Current, metrics.Next} {
			if b == nil {
				continue
			}
			fmt.Printf("  %-40s %3d min", b.String(), b.MinutesUntilDeparture)
			if b.DelayMinutes != 0 {
				fmt.Printf(" (%+d)", b.DelayMinutes)
			}
			fmt.Println()
		}

		if metrics.TimeToLeave != nil && metrics.WalkingMinutes > 0 {
			if metrics.ShouldLeaveNow {
				fmt.Println("  leave now")
			} else {
				fmt.Printf("  leave in %d min\n", *metrics.TimeToLeave)
			}
		}
	}
}
