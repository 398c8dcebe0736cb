package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/spf13/cobra"

	"github.com/kalambet/shareq/internal/api"
	"github.com/kalambet/shareq/internal/config"
	"github.com/kalambet/shareq/internal/share"
	"github.com/kalambet/shareq/internal/storage"
	"github.com/kalambet/shareq/internal/syncer"
)

// --- share ---

var shareCmd = &cobra.Command{
	Use:   "share [text-or-url]",
	Short: "Queue content for delivery",
	Long: `Queue content for delivery to the backend.

Examples:
  shareq share "Pick up the dry cleaning"
  shareq share https://example.com/article --title "Read later"
  shareq share --file ./photo.jpg`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		text, _ := cmd.Flags().GetString("text")
		link, _ := cmd.Flags().GetString("url")
		file, _ := cmd.Flags().GetString("file")
		title, _ := cmd.Flags().GetString("title")
		kind, _ := cmd.Flags().GetString("type")

		if len(args) == 1 {
			text = args[0]
		}
		req, err := buildShareRequest(text, link, file)
		if err != nil {
			return err
		}
		req.Title = title
		req.Type = kind

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		id, err := submitShare(cmd.Context(), client, req)
		if err != nil {
			return err
		}
		printSuccess("Queued share %s", id)
		return nil
	},
}

func init() {
	shareCmd.Flags().String("text", "", "text to share")
	shareCmd.Flags().String("url", "", "link to share")
	shareCmd.Flags().String("file", "", "file to share (sent as a payload reference)")
	shareCmd.Flags().String("title", "", "optional title")
	shareCmd.Flags().String("type", "", "force the share type (text, url, image, video, file)")
}

// buildShareRequest turns CLI input into a share request. A bare argument
// that parses as a link is sent as a url; the server detects the final kind.
func buildShareRequest(text, link, file string) (api.ShareRequest, error) {
	req := api.ShareRequest{Origin: string(share.OriginManual)}
	switch {
	case file != "":
		abs, err := filepath.Abs(file)
		if err != nil {
			return req, fmt.Errorf("resolving file: %w", err)
		}
		if _, err := os.Stat(abs); err != nil {
			return req, fmt.Errorf("reading file: %w", err)
		}
		req.PayloadRef = abs
		req.Text = text
	case link != "":
		req.URL = link
		req.Text = text
	case text != "":
		if u, err := url.Parse(strings.TrimSpace(text)); err == nil && (u.Scheme == "http" || u.Scheme == "https") && u.Host != "" {
			req.URL = strings.TrimSpace(text)
		} else {
			req.Text = text
		}
	default:
		return req, errors.New("one of text, --url or --file is required")
	}
	return req, nil
}

func submitShare(ctx context.Context, client *apiClient, req api.ShareRequest) (string, error) {
	resp, err := client.post(ctx, "/share", req)
	if err != nil {
		return "", err
	}
	var result map[string]string
	if err := decodeJSON(resp, &result); err != nil {
		return "", err
	}
	return result["id"], nil
}

// --- queue ---

var queueCmd = &cobra.Command{
	Use:   "queue",
	Short: "Inspect and retry queued shares",
}

var queueListCmd = &cobra.Command{
	Use:   "list",
	Short: "List queued shares in capture order",
	RunE: func(cmd *cobra.Command, args []string) error {
		status, _ := cmd.Flags().GetString("status")
		limit, _ := cmd.Flags().GetInt("limit")
		offset, _ := cmd.Flags().GetInt("offset")

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		items, err := listItems(cmd.Context(), client, status, limit, offset)
		if err != nil {
			return err
		}
		if len(items) == 0 {
			fmt.Println("Queue is empty.")
			return nil
		}
		printItems(os.Stdout, items, time.Now())
		return nil
	},
}

var queueShowCmd = &cobra.Command{
	Use:   "show <id>",
	Short: "Show a single queued share as JSON",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.get(cmd.Context(), "/queue/"+url.PathEscape(args[0]))
		if err != nil {
			return err
		}
		var item storage.QueueItem
		if err := decodeJSON(resp, &item); err != nil {
			return err
		}
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(item)
	},
}

var queueRetryCmd = &cobra.Command{
	Use:   "retry <id>",
	Short: "Retry a failed share",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.post(cmd.Context(), "/queue/"+url.PathEscape(args[0])+"/retry", nil)
		if err != nil {
			return err
		}
		var result struct {
			Retried bool `json:"retried"`
		}
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}
		if !result.Retried {
			printWarning("Share %s is not failed; nothing to retry", args[0])
			return nil
		}
		printSuccess("Retrying share %s", args[0])
		return nil
	},
}

var queueRetryAllCmd = &cobra.Command{
	Use:   "retry-all",
	Short: "Retry every failed share",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.post(cmd.Context(), "/queue/retry-failed", nil)
		if err != nil {
			return err
		}
		var result map[string]int
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}
		printSuccess("Retrying %d failed shares", result["retried"])
		return nil
	},
}

func init() {
	queueListCmd.Flags().String("status", "", "only list items with this status (pending, syncing, completed, failed)")
	queueListCmd.Flags().Int("limit", 50, "maximum number of items")
	queueListCmd.Flags().Int("offset", 0, "items to skip")
	queueCmd.AddCommand(queueListCmd)
	queueCmd.AddCommand(queueShowCmd)
	queueCmd.AddCommand(queueRetryCmd)
	queueCmd.AddCommand(queueRetryAllCmd)
}

func listItems(ctx context.Context, client *apiClient, status string, limit, offset int) ([]storage.QueueItem, error) {
	q := url.Values{}
	if status != "" {
		q.Set("status", status)
	}
	q.Set("limit", strconv.Itoa(limit))
	q.Set("offset", strconv.Itoa(offset))

	resp, err := client.get(ctx, "/queue?"+q.Encode())
	if err != nil {
		return nil, err
	}
	var items []storage.QueueItem
	if err := decodeJSON(resp, &items); err != nil {
		return nil, err
	}
	return items, nil
}

func printItems(w io.Writer, items []storage.QueueItem, now time.Time) {
	for _, it := range items {
		status := string(it.Status)
		fmt.Fprintf(w, "%s  %-9s  %-5s  %s\n",
			colorize(colorCyan, it.ID()),
			colorize(statusColor(status), status),
			it.Content.Kind,
			summary(it.Content, 60),
		)
		switch {
		case it.Status == storage.StatusFailed && it.LastError != nil:
			fmt.Fprintf(w, "    %s after %d attempts: %s\n", it.LastError.Kind, it.AttemptCount, it.LastError.Message)
		case it.Status == storage.StatusPending && it.NextAttemptAt != nil:
			fmt.Fprintf(w, "    will retry %s (attempt %d)\n", relTime(*it.NextAttemptAt, now), it.AttemptCount+1)
		}
	}
}

// summary picks the most recognisable field of c, truncated to n runes.
func summary(c share.Content, n int) string {
	s := c.Title
	for _, alt := range []string{c.URL, c.Text, c.PayloadRef} {
		if s != "" {
			break
		}
		s = alt
	}
	if s == c.PayloadRef && s != "" {
		s = filepath.Base(s)
	}
	s = strings.Join(strings.Fields(s), " ")
	if utf8.RuneCountInString(s) > n {
		s = string([]rune(s)[:n]) + "..."
	}
	return s
}

// --- sync control ---

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Run a delivery pass now",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.post(cmd.Context(), "/sync", nil)
		if err != nil {
			return err
		}
		var report syncer.SyncReport
		if err := decodeJSON(resp, &report); err != nil {
			return err
		}
		printSyncReport(report)
		return nil
	},
}

func printSyncReport(r syncer.SyncReport) {
	switch {
	case r.Coalesced:
		printWarning("A sync pass is already running")
		return
	case r.Aborted != "":
		printWarning("Sync stopped early: %s", r.Aborted)
	default:
		printSuccess("Sync pass finished")
	}
	printStatus("Attempted", "%d", r.Attempted)
	printStatus("Delivered", "%d", r.Completed)
	printStatus("Will retry", "%d", r.Retrying)
	printStatus("Failed", "%d", r.Failed)
	if r.AnyFailed {
		printWarning("%d shares have failed; see `shareq queue list --status failed`", r.FailedTotal)
	}
}

var pauseCmd = &cobra.Command{
	Use:   "pause",
	Short: "Pause automatic delivery",
	RunE: func(cmd *cobra.Command, args []string) error {
		return postState(cmd.Context(), "/pause", "Sync paused")
	},
}

var resumeCmd = &cobra.Command{
	Use:   "resume",
	Short: "Resume automatic delivery",
	RunE: func(cmd *cobra.Command, args []string) error {
		return postState(cmd.Context(), "/resume", "Sync resumed")
	},
}

var reauthCmd = &cobra.Command{
	Use:   "reauth",
	Short: "Tell the daemon the backend credentials were refreshed",
	RunE: func(cmd *cobra.Command, args []string) error {
		return postState(cmd.Context(), "/reauth", "Credentials refreshed, sync resumed")
	},
}

func postState(ctx context.Context, path, msg string) error {
	client, err := newAPIClient()
	if err != nil {
		return err
	}
	resp, err := client.post(ctx, path, nil)
	if err != nil {
		return err
	}
	var state syncer.EngineState
	if err := decodeJSON(resp, &state); err != nil {
		return err
	}
	printSuccess("%s", msg)
	printEngineState(state)
	return nil
}

func printEngineState(s syncer.EngineState) {
	network := "offline"
	if s.Online {
		network = "online"
	}
	sync := "active"
	if s.Paused {
		sync = "paused"
	}
	printStatus("Network", "%s", network)
	printStatus("Sync", "%s", sync)
	if s.NeedsReauth {
		printWarning("Backend rejected the API token; update it and run `shareq reauth`")
	}
}

// --- stats ---

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show queue counts and sync state",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.get(cmd.Context(), "/stats")
		if err != nil {
			return err
		}
		var st api.StatsResponse
		if err := decodeJSON(resp, &st); err != nil {
			return err
		}
		printStatus("Total", "%d", st.Queue.Total)
		printStatus("Pending", "%d", st.Queue.Pending)
		printStatus("Syncing", "%d", st.Queue.Syncing)
		printStatus("Completed", "%d", st.Queue.Completed)
		printStatus("Failed", "%s", colorize(statusColor("failed"), strconv.Itoa(st.Queue.Failed)))
		printEngineState(st.Engine)
		return nil
	},
}

// --- export ---

const exportPageSize = 500

var exportCmd = &cobra.Command{
	Use:   "export",
	Short: "Export queued shares as JSONL",
	RunE: func(cmd *cobra.Command, args []string) error {
		output, _ := cmd.Flags().GetString("output")
		status, _ := cmd.Flags().GetString("status")

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		var writer io.Writer = os.Stdout
		if output != "" {
			f, err := os.Create(output)
			if err != nil {
				return fmt.Errorf("creating output file: %w", err)
			}
			defer f.Close()
			writer = f
		}

		n, err := exportItems(cmd.Context(), client, writer, status)
		if err != nil {
			return err
		}
		if output != "" {
			printSuccess("Exported %d shares to %s", n, output)
		}
		return nil
	},
}

func init() {
	exportCmd.Flags().String("output", "", "output file path (default: stdout)")
	exportCmd.Flags().String("status", "", "only export items with this status")
}

// exportItems pages through the queue and writes one JSON item per line.
func exportItems(ctx context.Context, client *apiClient, w io.Writer, status string) (int, error) {
	enc := json.NewEncoder(w)
	total := 0
	for {
		items, err := listItems(ctx, client, status, exportPageSize, total)
		if err != nil {
			return total, err
		}
		for _, it := range items {
			if err := enc.Encode(it); err != nil {
				return total, fmt.Errorf("writing export: %w", err)
			}
		}
		total += len(items)
		if len(items) < exportPageSize {
			return total, nil
		}
	}
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

		fmt.Printf("  %s\n", colorize(colorBold, config.ConfigFilePath()))
		for _, k := range config.ShowAll(cfg) {
			fmt.Printf("  %s = %s\n", colorize(colorBold, k.Key), k.Value)
		}
		return nil
	},
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a configuration value",
	Long: "Set a configuration value in the config file.\n\nValid keys:\n  " +
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
