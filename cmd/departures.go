package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"tidbyt.dev/ovapi"
	"tidbyt.dev/ovapi/model"
)

var departuresCmd = &cobra.Command{
	Use:   "departures <stop_code>...",
	Short: "Lists live departures for one or more timing points",
	Args:  cobra.MinimumNArgs(1),
	RunE:  departures,
}

var (
	line        string
	destination string
	limit       int
)

func init() {
	departuresCmd.Flags().StringVarP(&line, "line", "l", "", "Restrict to a specific line")
	departuresCmd.Flags().StringVarP(&destination, "destination", "d", "", "Restrict to destinations containing this")
	departuresCmd.Flags().IntVarP(&limit, "limit", "n", -1, "Limit the number of departures listed")
	rootCmd.AddCommand(departuresCmd)
}

func departures(cmd *cobra.Command, args []string) error {
	client, err := loadClient()
	if err != nil {
		return err
	}

	all, err := client.FetchAll(cmd.Context(), args)
	if err != nil {
		return fmt.Errorf("%s: %w", ovapi.UserMessage(err), err)
	}

	filtered := ovapi.FilterPasses(all, model.Filter{Line: line, Destination: destination})
	ovapi.SortDepartures(filtered)

	now := time.Now()
	for i, d := range filtered {
		if limit >= 0 && i >= limit {
			break
		}
		if d.Status == model.StatusPassed {
			continue
		}
		timing := ovapi.ComputeTiming(d, now)
		fmt.Printf(
			"%s %-5s %-30s %3d min (delay %d) %s\n",
			d.StopCode,
			d.LineNumber,
			d.Destination,
			timing.MinutesUntilDeparture,
			timing.DelayMinutes,
			d.Status,
		)
	}

	if len(filtered) == 0 {
		fmt.Println(ovapi.MessageNoServices)
	}

	return nil
}
