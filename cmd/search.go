package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"
)

var searchCmd = &cobra.Command{
	Use:   "search [query]",
	Short: "Searches stops by name or timing point code",
	Args:  cobra.ArbitraryArgs,
	RunE:  search,
}

var city string

func init() {
	searchCmd.Flags().StringVarP(&city, "city", "", "", "Only stops in this city")
	rootCmd.AddCommand(searchCmd)
}

func search(cmd *cobra.Command, args []string) error {
	query := strings.Join(args, " ")
	if query == "" && city == "" {
		return fmt.Errorf("query or --city required")
	}

	cache, s, err := loadStopCache()
	if err != nil {
		return err
	}
	defer s.Close()

	if _, err := cache.Ensure(cmd.Context()); err != nil {
		return fmt.Errorf("loading stops: %w", err)
	}

	hits := cache.SearchInCity(cmd.Context(), query, city)
	if len(hits) == 0 {
		fmt.Println("no stops found")
		return nil
	}

	for _, hit := range hits {
		fmt.Printf("%s\t%s\n", strings.Join(hit.StopCodes, ","), hit.Label)
	}

	return nil
}
