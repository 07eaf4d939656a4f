package main

import (
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/spf13/cobra"

	"github.com/kalambet/enrichd/internal/api"
	"github.com/kalambet/enrichd/internal/config"
	"github.com/kalambet/enrichd/internal/enrich"
	"github.com/kalambet/enrichd/internal/storage"
)

// --- run ---

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run one enrichment batch on the running server",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.post(cmd.Context(), "/enrichment/run", nil)
		if err != nil {
			return err
		}
		if resp.StatusCode == http.StatusConflict {
			resp.Body.Close()
			printWarning("A batch is already running, try again shortly")
			return errors.New("batch in flight")
		}

		var res enrich.BatchResult
		if err := decodeJSON(resp, &res); err != nil {
			return err
		}

		printSuccess("Batch finished: %d taken, %d enriched", res.Taken, res.Enriched)
		printStatus("With geo", "%d", res.WithGeo)
		printStatus("With weather", "%d", res.WithWeather)
		printStatus("Skipped", "%d", res.Skipped+res.Stale)
		if res.Requeued > 0 {
			printStatus("Requeued", "%d", res.Requeued)
		}
		if res.Failed > 0 {
			printStatus("Failed", "%s", colorize(colorRed, fmt.Sprint(res.Failed)))
		}
		return nil
	},
}

// --- sessions ---

var sessionsCmd = &cobra.Command{
	Use:   "sessions",
	Short: "Create, inspect and delete sessions",
}

var sessionsCreateCmd = &cobra.Command{
	Use:   "create <source-ip>",
	Short: "Create a session and queue it for enrichment",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.post(cmd.Context(), "/sessions", api.CreateSessionRequest{SourceIP: args[0]})
		if err != nil {
			return err
		}

		var result api.CreateSessionResponse
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}

		fmt.Fprintln(cmd.OutOrStdout(), result.ID)
		printSuccess("Queued session %s", result.ID)
		return nil
	},
}

var sessionsShowCmd = &cobra.Command{
	Use:   "show <id>",
	Short: "Show a session as JSON",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.get(cmd.Context(), "/sessions/"+url.PathEscape(args[0]))
		if err != nil {
			return err
		}

		var sess storage.Session
		if err := decodeJSON(resp, &sess); err != nil {
			return err
		}
		return printJSON(cmd.OutOrStdout(), sess)
	},
}

var sessionsDeleteCmd = &cobra.Command{
	Use:   "delete <id>",
	Short: "Delete a session",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.delete(cmd.Context(), "/sessions/"+url.PathEscape(args[0]))
		if err != nil {
			return err
		}
		if err := decodeJSON(resp, nil); err != nil {
			return err
		}

		printSuccess("Deleted session %s", args[0])
		return nil
	},
}

func init() {
	sessionsCmd.AddCommand(sessionsCreateCmd)
	sessionsCmd.AddCommand(sessionsShowCmd)
	sessionsCmd.AddCommand(sessionsDeleteCmd)
}

// --- cache ---

var cacheCmd = &cobra.Command{
	Use:   "cache",
	Short: "Manage the lookup cache",
}

var cachePruneCmd = &cobra.Command{
	Use:   "prune",
	Short: "Remove expired geo and weather cache entries",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.post(cmd.Context(), "/cache/prune", nil)
		if err != nil {
			return err
		}

		var res api.PruneResult
		if err := decodeJSON(resp, &res); err != nil {
			return err
		}

		printSuccess("Pruned %d geo and %d weather entries", res.Geo, res.Weather)
		return nil
	},
}

func init() {
	cacheCmd.AddCommand(cachePruneCmd)
}

// --- config ---

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Show or update configuration",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show current configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}

		for _, k := range config.ShowAll(cfg) {
			fmt.Fprintf(cmd.OutOrStdout(), "  %s = %s\n", colorize(colorBold, k.Key), k.Value)
		}
		return nil
	},
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a configuration value",
	Long: "Set a configuration value. Valid keys:\n  " +
		strings.Join(config.ValidKeys(), "\n  "),
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		key, value := args[0], args[1]

		if err := config.SetKey(key, value); err != nil {
			return err
		}

		printSuccess("Set %s = %s", key, value)
		return nil
	},
}

func init() {
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configSetCmd)
}
