package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	apiFlag  string
	userFlag string
	rootCmd  = &cobra.Command{
		Use:   "civicctl",
		Short: "CLI client for the civic event service",
	}
)

func main() {
	rootCmd.PersistentFlags().StringVarP(&apiFlag, "api", "a", "http://localhost:8080", "Civic service base URL")

	// sync subcommand
	syncCmd := &cobra.Command{
		Use:   "sync [appKey]",
		Short: "Run one integration and print the run stats",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSync(apiFlag, args[0], os.Stdout)
		},
	}
	rootCmd.AddCommand(syncCmd)

	// integrations subcommand
	listCmd := &cobra.Command{
		Use:   "integrations",
		Short: "List registered integrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			return listIntegrations(apiFlag, os.Stdout)
		},
	}
	rootCmd.AddCommand(listCmd)

	// renew subcommand
	renewCmd := &cobra.Command{
		Use:   "renew [queryKey]",
		Short: "Broadcast a cluster-index renew signal (all indexes when no key given)",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			key := ""
			if len(args) == 1 {
				key = args[0]
			}
			return runRenew(key, os.Stdout)
		},
	}
	rootCmd.AddCommand(renewCmd)

	// counts subcommand
	countsCmd := &cobra.Command{
		Use:   "counts",
		Short: "Print subscription counts for a user",
		RunE: func(cmd *cobra.Command, args []string) error {
			if userFlag == "" {
				return fmt.Errorf("--user required")
			}
			return runCounts(apiFlag, userFlag, os.Stdout)
		},
	}
	countsCmd.Flags().StringVarP(&userFlag, "user", "u", "", "User ID (required)")
	rootCmd.AddCommand(countsCmd)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
