package main

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(configCmd)
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show liveness of every worker the coordinator knows about",
	Run: func(cmd *cobra.Command, args []string) {
		fetchStatus()
	},
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Show the coordinator's sanitized running configuration",
	Run: func(cmd *cobra.Command, args []string) {
		fetchConfig()
	},
}

func fetchStatus() {
	client := newHTTPClient()
	resp, err := client.Get(apiURL + "/status")
	if err != nil {
		fmt.Printf("error connecting to coordinator: %v\n", err)
		return
	}
	defer resp.Body.Close()

	var body struct {
		Workers []struct {
			WorkerID string `json:"worker_id"`
			Alive    bool   `json:"alive"`
		} `json:"workers"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		fmt.Printf("error parsing status: %v\n", err)
		return
	}
	for _, w := range body.Workers {
		state := "DEAD"
		if w.Alive {
			state = "ALIVE"
		}
		fmt.Printf("%-24s %s\n", w.WorkerID, state)
	}
}

func fetchConfig() {
	client := newHTTPClient()
	resp, err := client.Get(apiURL + "/config")
	if err != nil {
		fmt.Printf("error connecting to coordinator: %v\n", err)
		return
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		fmt.Printf("coordinator returned HTTP %d\n", resp.StatusCode)
		return
	}
	var raw map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&raw); err != nil {
		fmt.Printf("error parsing config: %v\n", err)
		return
	}
	pretty, _ := json.MarshalIndent(raw, "", "  ")
	fmt.Println(string(pretty))
}
