package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var refreshCmd = &cobra.Command{
	Use:   "refresh",
	Short: "Downloads the static stop dataset and updates the cache",
	Args:  cobra.NoArgs,
	RunE:  refresh,
}

func init() {
	rootCmd.AddCommand(refreshCmd)
}

func refresh(cmd *cobra.Command, args []string) error {
	cache, s, err := loadStopCache()
	if err != nil {
		return err
	}
	defer s.Close()

	if _, err := cache.Refresh(cmd.Context()); err != nil {
		return err
	}

	status := cache.Status()
	fmt.Printf("%d stops, updated %s\n", status.Stops, status.LastUpdate.Local().Format("2006-01-02 15:04:05"))

	return nil
}
