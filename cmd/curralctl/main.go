package main

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
)

var (
	agentURL string
	timeout  time.Duration
	asJSON   bool
)

var rootCmd = newRootCmd()

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "curralctl",
		Short: "Inspect and drive the local curral sync agent",
		Long: `curralctl talks to a running curral agent over its local API.

It lists the outbox backlog, requeues entries that exhausted their retries,
forces a sync pass and flips the manual connectivity signal.

Example usage:
  curralctl pending
  curralctl failed
  curralctl requeue 12 15
  curralctl sync
  curralctl connectivity off`,
		SilenceUsage: true,
	}

	root.PersistentFlags().StringVar(&agentURL, "agent", envOr("CURRAL_AGENT_URL", "http://localhost:8787"), "base URL of the local agent")
	root.PersistentFlags().DurationVar(&timeout, "timeout", 60*time.Second, "request timeout")
	root.PersistentFlags().BoolVar(&asJSON, "json", false, "print raw JSON")

	root.AddCommand(
		newPendingCmd(),
		newFailedCmd(),
		newRequeueCmd(),
		newSyncCmd(),
		newStatsCmd(),
		newEnqueueCmd(),
		newConnectivityCmd(),
	)
	return root
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
