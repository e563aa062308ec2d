package main

import (
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"os/signal"
	"strconv"
	"time"

	"github.com/gorilla/websocket"
	"github.com/spf13/cobra"
)

var watchProgress bool

func init() {
	progressCmd.Flags().BoolVarP(&watchProgress, "watch", "w", false, "stream progress updates over the query-progress websocket instead of a single fetch")
	rootCmd.AddCommand(progressCmd)
}

var progressCmd = &cobra.Command{
	Use:   "progress <query_id>",
	Short: "Show (or stream) a query's bundle completion progress",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		queryID, err := strconv.ParseInt(args[0], 10, 64)
		if err != nil {
			fmt.Printf("invalid query_id %q: %v\n", args[0], err)
			os.Exit(1)
		}
		if watchProgress {
			streamProgress(queryID)
			return
		}
		fetchProgress(queryID)
	},
}

// progressView mirrors coord.ProgressView; duplicated here rather than
// imported so stratoqctl doesn't pull in the coordinator's internal package.
type progressView struct {
	QueryID        int64  `json:"query_id"`
	Status         string `json:"status"`
	TotalBundles   int    `json:"total_bundles"`
	DoneBundles    int    `json:"done_bundles"`
	FailedBundles  int    `json:"failed_bundles"`
	CollectedRows  int64  `json:"collected_rows"`
	CollectedBytes int64  `json:"collected_bytes"`
}

func printProgress(p progressView) {
	fmt.Printf("query %d: %s  bundles %d/%d (failed %d)  rows=%d bytes=%d\n",
		p.QueryID, p.Status, p.DoneBundles, p.TotalBundles, p.FailedBundles, p.CollectedRows, p.CollectedBytes)
}

func fetchProgress(queryID int64) {
	client := newHTTPClient()
	resp, err := client.Get(fmt.Sprintf("%s/query-progress?query_id=%d", apiURL, queryID))
	if err != nil {
		fmt.Printf("error connecting to coordinator: %v\n", err)
		os.Exit(1)
	}
	defer resp.Body.Close()

	var p progressView
	if err := json.NewDecoder(resp.Body).Decode(&p); err != nil {
		fmt.Printf("error parsing progress: %v\n", err)
		os.Exit(1)
	}
	printProgress(p)
}

func streamProgress(queryID int64) {
	interrupt := make(chan os.Signal, 1)
	signal.Notify(interrupt, os.Interrupt)

	u, err := url.Parse(apiURL)
	if err != nil {
		fmt.Printf("invalid --url %q: %v\n", apiURL, err)
		os.Exit(1)
	}
	scheme := "ws"
	if u.Scheme == "https" {
		scheme = "wss"
	}
	wsURL := url.URL{Scheme: scheme, Host: u.Host, Path: "/query-progress/stream"}

	conn, _, err := websocket.DefaultDialer.Dial(wsURL.String(), nil)
	if err != nil {
		fmt.Printf("error dialing progress stream: %v\n", err)
		os.Exit(1)
	}
	defer conn.Close()

	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			_, message, err := conn.ReadMessage()
			if err != nil {
				return
			}
			var p progressView
			if err := json.Unmarshal(message, &p); err == nil && p.QueryID == queryID {
				printProgress(p)
			}
		}
	}()

	for {
		select {
		case <-done:
			return
		case <-interrupt:
			_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			select {
			case <-done:
			case <-time.After(time.Second):
			}
			return
		}
	}
}
