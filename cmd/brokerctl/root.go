package main

import (
	"os"
	"time"

	"github.com/spf13/cobra"
)

var (
	apiAddr string
	userID  string
	timeout time.Duration
)

// rootCmd represents the base command when called without any subcommands.
var rootCmd = &cobra.Command{
	Use:           "brokerctl",
	Short:         "Operate a brokerd node over its HTTP API",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	defaultAddr := os.Getenv("BROKERD_ADDR")
	if defaultAddr == "" {
		defaultAddr = "http://localhost:8080"
	}
	rootCmd.PersistentFlags().StringVarP(&apiAddr, "addr", "a", defaultAddr, "base URL of the brokerd API")
	rootCmd.PersistentFlags().StringVarP(&userID, "user", "u", os.Getenv("BROKERD_USER"), "user id sent as X-User-ID")
	rootCmd.PersistentFlags().DurationVar(&timeout, "timeout", 10*time.Second, "per-request timeout")

	rootCmd.AddCommand(submitCmd)
	rootCmd.AddCommand(ordersCmd)
	rootCmd.AddCommand(cancelCmd)
	rootCmd.AddCommand(matchCmd)
	rootCmd.AddCommand(cleanupCmd)
	rootCmd.AddCommand(accountCmd)
}
