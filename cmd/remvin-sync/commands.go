package main

import (
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/Hadesalive/Remvin-Ent-sub002/possync"
)

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func newStatusCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show sync state and open queue counts",
		RunE: func(cmd *cobra.Command, args []string) error {
			engine, db, err := openEngine(opts)
			if err != nil {
				return err
			}
			defer db.Close()
			status, err := engine.GetSyncStatus(cmd.Context())
			if err != nil {
				return err
			}
			if opts.JSON {
				return printJSON(status)
			}
			fmt.Printf("Enabled:   %v\n", status.Enabled)
			fmt.Printf("Running:   %v\n", status.Running)
			fmt.Printf("Provider:  %s\n", status.Provider)
			fmt.Printf("Pending:   %d\n", status.Pending)
			fmt.Printf("Errors:    %d\n", status.Errors)
			if status.LastSyncAt != nil {
				fmt.Printf("Last sync: %s\n", status.LastSyncAt.Local().Format(time.RFC1123))
			} else {
				fmt.Println("Last sync: never")
			}
			return nil
		},
	}
}

func newHealthCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "health",
		Short: "Show detailed queue health",
		RunE: func(cmd *cobra.Command, args []string) error {
			engine, db, err := openEngine(opts)
			if err != nil {
				return err
			}
			defer db.Close()
			health, err := engine.GetSyncHealth(cmd.Context())
			if err != nil {
				return err
			}
			if opts.JSON {
				return printJSON(health)
			}
			for status, n := range health.QueueDepth {
				fmt.Printf("%-10s %d\n", status, n)
			}
			fmt.Printf("Oldest pending: %s\n", health.OldestPendingAge.Round(time.Second))
			return nil
		},
	}
}

func newSyncCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "sync",
		Short: "Run one push cycle now",
		RunE: func(cmd *cobra.Command, args []string) error {
			engine, db, err := openEngine(opts)
			if err != nil {
				return err
			}
			defer db.Close()
			summary, err := engine.SyncAll(cmd.Context())
			if err != nil {
				return err
			}
			if opts.JSON {
				return printJSON(summary)
			}
			if summary.AlreadyRunning {
				fmt.Println("Sync already running, skipped.")
				return nil
			}
			fmt.Printf("Synced %d, errored %d, deferred %d in %s\n",
				summary.Synced, summary.Errored, summary.Deferred,
				summary.Duration.Round(time.Millisecond))
			for _, msg := range summary.Errors {
				fmt.Println("  !", msg)
			}
			return nil
		},
	}
}

func newPullCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "pull",
		Short: "Fetch and apply remote changes now",
		RunE: func(cmd *cobra.Command, args []string) error {
			engine, db, err := openEngine(opts)
			if err != nil {
				return err
			}
			defer db.Close()
			summary, err := engine.PullChanges(cmd.Context())
			if err != nil {
				return err
			}
			if opts.JSON {
				return printJSON(summary)
			}
			if summary.AlreadyRunning {
				fmt.Println("Sync already running, skipped.")
				return nil
			}
			fmt.Printf("Applied %d (kept local %d, conflicts %d) in %s\n",
				summary.Applied, summary.KeptLocal, summary.Conflicts,
				summary.Duration.Round(time.Millisecond))
			return nil
		},
	}
}

func newQueueCommand(opts *rootOptions) *cobra.Command {
	queueCmd := &cobra.Command{
		Use:   "queue",
		Short: "Inspect or clear the sync queue",
	}

	var statusFilter, tableFilter string
	var limit int
	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List queue items",
		RunE: func(cmd *cobra.Command, args []string) error {
			engine, db, err := openEngine(opts)
			if err != nil {
				return err
			}
			defer db.Close()
			filter := possync.QueueFilter{Table: tableFilter, Limit: limit}
			for _, s := range splitStatuses(statusFilter) {
				filter.Statuses = append(filter.Statuses, possync.Status(s))
			}
			items, err := engine.GetSyncQueueItems(cmd.Context(), filter)
			if err != nil {
				return err
			}
			if opts.JSON {
				return printJSON(items)
			}
			for _, item := range items {
				line := fmt.Sprintf("%6d  %-9s %-16s %-8s %s",
					item.ID, item.Status, item.TableName, item.Operation, item.RecordID)
				if item.ErrorMessage != "" {
					line += "  (" + item.ErrorMessage + ")"
				}
				fmt.Println(line)
			}
			fmt.Printf("%d item(s)\n", len(items))
			return nil
		},
	}
	listCmd.Flags().StringVar(&statusFilter, "status", "", "comma-separated statuses (pending,syncing,synced,error,conflict)")
	listCmd.Flags().StringVar(&tableFilter, "table", "", "filter by table")
	listCmd.Flags().IntVar(&limit, "limit", 100, "max items")

	var clearStatus string
	clearCmd := &cobra.Command{
		Use:   "clear",
		Short: "Clear queue rows by status (synced only by default)",
		RunE: func(cmd *cobra.Command, args []string) error {
			engine, db, err := openEngine(opts)
			if err != nil {
				return err
			}
			defer db.Close()
			var statuses []possync.Status
			for _, s := range splitStatuses(clearStatus) {
				statuses = append(statuses, possync.Status(s))
			}
			n, err := engine.ClearSyncQueue(cmd.Context(), statuses...)
			if err != nil {
				return err
			}
			fmt.Printf("Cleared %d item(s)\n", n)
			return nil
		},
	}
	clearCmd.Flags().StringVar(&clearStatus, "status", "", "comma-separated statuses to clear")

	queueCmd.AddCommand(listCmd, clearCmd)
	return queueCmd
}

func newResetFailedCommand(opts *rootOptions) *cobra.Command {
	var resetAll bool
	var maxRetries int
	var idList string
	cmd := &cobra.Command{
		Use:   "reset-failed",
		Short: "Return errored items to pending",
		RunE: func(cmd *cobra.Command, args []string) error {
			engine, db, err := openEngine(opts)
			if err != nil {
				return err
			}
			defer db.Close()
			resetOpts := possync.ResetFailedOptions{ResetAll: resetAll, MaxRetries: maxRetries}
			for _, s := range strings.Split(idList, ",") {
				s = strings.TrimSpace(s)
				if s == "" {
					continue
				}
				id, err := strconv.ParseInt(s, 10, 64)
				if err != nil {
					return fmt.Errorf("invalid item id %q", s)
				}
				resetOpts.ItemIDs = append(resetOpts.ItemIDs, id)
			}
			n, err := engine.ResetFailedItems(cmd.Context(), resetOpts)
			if err != nil {
				return err
			}
			fmt.Printf("Reset %d item(s)\n", n)
			return nil
		},
	}
	cmd.Flags().BoolVar(&resetAll, "all", false, "reset regardless of retry count, including conflicts")
	cmd.Flags().IntVar(&maxRetries, "max-retries", 0, "only items below this retry count")
	cmd.Flags().StringVar(&idList, "ids", "", "comma-separated item ids")
	return cmd
}

func newConfigCommand(opts *rootOptions) *cobra.Command {
	configCmd := &cobra.Command{
		Use:   "config",
		Short: "Show or change sync configuration",
	}

	getCmd := &cobra.Command{
		Use:   "get",
		Short: "Show the current configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			engine, db, err := openEngine(opts)
			if err != nil {
				return err
			}
			defer db.Close()
			cfg, err := engine.GetSyncConfig(cmd.Context())
			if err != nil {
				return err
			}
			if cfg.APIKey != "" {
				cfg.APIKey = "********"
			}
			return printJSON(cfg)
		},
	}

	var provider, cloudURL, apiKey, prefix, strategy string
	var interval int
	setCmd := &cobra.Command{
		Use:   "set",
		Short: "Update configuration fields",
		RunE: func(cmd *cobra.Command, args []string) error {
			engine, db, err := openEngine(opts)
			if err != nil {
				return err
			}
			defer db.Close()
			patch := possync.ConfigPatch{}
			if cmd.Flags().Changed("provider") {
				patch.Provider = &provider
			}
			if cmd.Flags().Changed("url") {
				patch.CloudURL = &cloudURL
			}
			if cmd.Flags().Changed("api-key") {
				patch.APIKey = &apiKey
			}
			if cmd.Flags().Changed("table-prefix") {
				patch.TablePrefix = &prefix
			}
			if cmd.Flags().Changed("interval") {
				patch.IntervalMinutes = &interval
			}
			if cmd.Flags().Changed("conflict-strategy") {
				s := possync.Strategy(strategy)
				patch.ConflictStrategy = &s
			}
			cfg, err := engine.UpdateSyncConfig(cmd.Context(), patch)
			if err != nil {
				return err
			}
			fmt.Printf("Updated. Provider=%s URL=%s Interval=%dm Strategy=%s\n",
				cfg.Provider, cfg.CloudURL, cfg.IntervalMinutes, cfg.ConflictStrategy)
			return nil
		},
	}
	setCmd.Flags().StringVar(&provider, "provider", "", "cloud provider name")
	setCmd.Flags().StringVar(&cloudURL, "url", "", "cloud base URL")
	setCmd.Flags().StringVar(&apiKey, "api-key", "", "tenant api key")
	setCmd.Flags().StringVar(&prefix, "table-prefix", "", "remote table prefix")
	setCmd.Flags().IntVar(&interval, "interval", 0, "sync interval in minutes")
	setCmd.Flags().StringVar(&strategy, "conflict-strategy", "", "server_wins|client_wins|manual")

	configCmd.AddCommand(getCmd, setCmd)
	return configCmd
}

func newEnableCommand(opts *rootOptions, enable bool) *cobra.Command {
	use, short := "enable", "Enable periodic sync"
	if !enable {
		use, short = "disable", "Disable periodic sync (manual sync stays available)"
	}
	return &cobra.Command{
		Use:   use,
		Short: short,
		RunE: func(cmd *cobra.Command, args []string) error {
			engine, db, err := openEngine(opts)
			if err != nil {
				return err
			}
			defer db.Close()
			if err := engine.SetEnabled(cmd.Context(), enable); err != nil {
				return err
			}
			fmt.Printf("Sync %sd.\n", use)
			return nil
		},
	}
}

func newTestConnectionCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "test-connection",
		Short: "Verify cloud reachability and credentials",
		RunE: func(cmd *cobra.Command, args []string) error {
			engine, db, err := openEngine(opts)
			if err != nil {
				return err
			}
			defer db.Close()
			if err := engine.TestConnection(cmd.Context(), nil); err != nil {
				return fmt.Errorf("connection failed: %w", err)
			}
			fmt.Println("Connection OK.")
			return nil
		},
	}
}

func newDaemonCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "daemon",
		Short: "Run the periodic sync scheduler until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			engine, db, err := openEngine(opts)
			if err != nil {
				return err
			}
			defer db.Close()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			fmt.Println("Scheduler running; Ctrl-C to stop.")
			return possync.NewScheduler(engine, nil).Run(ctx)
		},
	}
}

func splitStatuses(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part != "" {
			out = append(out, part)
		}
	}
	return out
}
