package main

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"
)

var stopsCmd = &cobra.Command{
	Use:   "stops <lat> <lng> [limit]",
	Short: "Lists stops near a geographical location",
	Args:  cobra.RangeArgs(2, 3),
	RunE:  stops,
}

func init() {
	rootCmd.AddCommand(stopsCmd)
}

func stops(cmd *cobra.Command, args []string) error {
	lat, err := strconv.ParseFloat(args[0], 64)
	if err != nil {
		return fmt.Errorf("invalid lat: %w", err)
	}
	lng, err := strconv.ParseFloat(args[1], 64)
	if err != nil {
		return fmt.Errorf("invalid lng: %w", err)
	}

	limit := 10
	if len(args) == 3 {
		limit, err = strconv.Atoi(args[2])
		if err != nil {
			return fmt.Errorf("invalid limit: %w", err)
		}
		if limit < 0 {
			return fmt.Errorf("limit must be >= 0")
		}
	}

	cache, s, err := loadStopCache()
	if err != nil {
		return err
	}
	defer s.Close()

	if _, err := cache.Ensure(cmd.Context()); err != nil {
		return fmt.Errorf("loading stops: %w", err)
	}

	for _, stop := range cache.Nearby(cmd.Context(), lat, lng, limit) {
		fmt.Printf("%s: %s (%s)\n", stop.StopCode, stop.Name, stop.StopID)
	}

	return nil
}
