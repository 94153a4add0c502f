package main

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strconv"
	"text/tabwriter"

	"github.com/Guizzs26/curral-sync/internal/models"

	"github.com/spf13/cobra"
)

func newPendingCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "pending",
		Short: "List outbox entries waiting to be sent",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return listEntries(cmd, "/_agent/outbox/pending")
		},
	}
}

func newFailedCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "failed",
		Short: "List outbox entries that exhausted their retries",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return listEntries(cmd, "/_agent/outbox/failed")
		},
	}
}

func listEntries(cmd *cobra.Command, path string) error {
	var entries []models.OutboxEntry
	raw, err := newAgentClient().do(cmd.Context(), http.MethodGet, path, nil, &entries)
	if err != nil {
		return err
	}
	if asJSON {
		_, err := cmd.OutOrStdout().Write(raw)
		return err
	}
	printEntries(cmd.OutOrStdout(), entries)
	return nil
}

func printEntries(w io.Writer, entries []models.OutboxEntry) {
	if len(entries) == 0 {
		fmt.Fprintln(w, "No entries.")
		return
	}
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tTYPE\tMETHOD\tURL\tRETRIES\tCREATED\tLAST ERROR")
	for _, e := range entries {
		fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%d\t%s\t%s\n",
			e.ID, e.Kind, e.Method, e.URL, e.Retries, e.CreatedAt.Local().Format("2006-01-02 15:04"), e.LastError)
	}
	tw.Flush()
}

func newRequeueCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "requeue [id...]",
		Short: "Move failed entries back to pending (all of them when no id is given)",
		RunE: func(cmd *cobra.Command, args []string) error {
			ids := make([]int64, 0, len(args))
			for _, a := range args {
				id, err := strconv.ParseInt(a, 10, 64)
				if err != nil || id <= 0 {
					return fmt.Errorf("invalid entry id %q", a)
				}
				ids = append(ids, id)
			}

			var out struct {
				Requeued int64 `json:"requeued"`
			}
			if _, err := newAgentClient().do(cmd.Context(), http.MethodPost, "/_agent/outbox/requeue", map[string]any{"ids": ids}, &out); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Requeued %d entr%s.\n", out.Requeued, plural(out.Requeued, "y", "ies"))
			return nil
		},
	}
}

func newSyncCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sync",
		Short: "Run a sync pass now",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			var r models.Report
			raw, err := newAgentClient().do(cmd.Context(), http.MethodPost, "/_agent/sync", nil, &r)
			if err != nil {
				return err
			}
			if asJSON {
				_, err := cmd.OutOrStdout().Write(raw)
				return err
			}

			w := cmd.OutOrStdout()
			switch r.Skipped {
			case models.SkipOffline:
				fmt.Fprintln(w, "Skipped: agent is offline.")
			case models.SkipInProgress:
				fmt.Fprintln(w, "Skipped: a sync pass is already running.")
			default:
				fmt.Fprintf(w, "Attempted %d, synced %d, failed %d (%d exhausted), %d still pending.\n",
					r.Attempted, r.Succeeded, r.Failed, r.Exhausted, r.Pending)
			}
			return nil
		},
	}
}

func newStatsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show record counts per collection and the outbox backlog",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			var stats models.Stats
			raw, err := newAgentClient().do(cmd.Context(), http.MethodGet, "/_agent/stats", nil, &stats)
			if err != nil {
				return err
			}
			if asJSON {
				_, err := cmd.OutOrStdout().Write(raw)
				return err
			}

			keys := make([]string, 0, len(stats))
			for k := range stats {
				keys = append(keys, k)
			}
			sort.Strings(keys)

			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			for _, k := range keys {
				fmt.Fprintf(tw, "%s\t%d\n", k, stats[k])
			}
			return tw.Flush()
		},
	}
}

func newEnqueueCmd() *cobra.Command {
	var kind, url, method, data string

	cmd := &cobra.Command{
		Use:   "enqueue",
		Short: "Append a raw outbox entry",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			body := map[string]any{"type": kind, "url": url, "method": method}
			if data != "" {
				if !json.Valid([]byte(data)) {
					return fmt.Errorf("--data is not valid JSON")
				}
				body["data"] = json.RawMessage(data)
			}

			var out struct {
				ID     int64 `json:"id"`
				Synced bool  `json:"synced"`
			}
			if _, err := newAgentClient().do(cmd.Context(), http.MethodPost, "/_agent/outbox", body, &out); err != nil {
				return err
			}
			if out.Synced {
				fmt.Fprintf(cmd.OutOrStdout(), "Entry %d sent.\n", out.ID)
				return nil
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Queued entry %d.\n", out.ID)
			return nil
		},
	}

	cmd.Flags().StringVar(&kind, "type", "", "entry type, e.g. pesagem")
	cmd.Flags().StringVar(&url, "url", "", "remote endpoint path")
	cmd.Flags().StringVar(&method, "method", http.MethodPost, "HTTP method")
	cmd.Flags().StringVar(&data, "data", "", "JSON payload")
	_ = cmd.MarkFlagRequired("url")
	return cmd
}

func newConnectivityCmd() *cobra.Command {
	return &cobra.Command{
		Use:       "connectivity on|off",
		Short:     "Flip the manual connectivity signal",
		Args:      cobra.ExactArgs(1),
		ValidArgs: []string{"on", "off"},
		RunE: func(cmd *cobra.Command, args []string) error {
			var online bool
			switch args[0] {
			case "on", "online":
				online = true
			case "off", "offline":
			default:
				return fmt.Errorf("expected on or off, got %q", args[0])
			}

			var out struct {
				Online  bool `json:"online"`
				Changed bool `json:"changed"`
			}
			if _, err := newAgentClient().do(cmd.Context(), http.MethodPost, "/_agent/connectivity", map[string]any{"online": online}, &out); err != nil {
				return err
			}

			state := "offline"
			if out.Online {
				state = "online"
			}
			if out.Changed {
				fmt.Fprintf(cmd.OutOrStdout(), "Agent is now %s.\n", state)
			} else {
				fmt.Fprintf(cmd.OutOrStdout(), "Agent was already %s.\n", state)
			}
			return nil
		},
	}
}

func plural(n int64, one, many string) string {
	if n == 1 {
		return one
	}
	return many
}
