package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/user/stratoq/internal/coord"
	"github.com/user/stratoq/pkg/wire"
)

var submitFile string

func init() {
	submitCmd.Flags().StringVarP(&submitFile, "file", "f", "", "path to a JSON Submission body (required)")
	submitCmd.MarkFlagRequired("file")
	rootCmd.AddCommand(submitCmd)
}

var submitCmd = &cobra.Command{
	Use:   "submit",
	Short: "Submit a rewritten query (a coord.Submission JSON document) to the coordinator",
	Run: func(cmd *cobra.Command, args []string) {
		runSubmit()
	},
}

func runSubmit() {
	data, err := os.ReadFile(submitFile)
	if err != nil {
		fmt.Printf("error reading %s: %v\n", submitFile, err)
		os.Exit(1)
	}

	var sub coord.Submission
	if err := json.Unmarshal(data, &sub); err != nil {
		fmt.Printf("error parsing submission: %v\n", err)
		os.Exit(1)
	}

	body := struct {
		wire.Envelope
		coord.Submission
	}{
		Envelope:   wire.Envelope{Version: wire.MaxProtocolVersion, InstanceID: instanceID, AuthKey: authKey},
		Submission: sub,
	}
	payload, err := json.Marshal(body)
	if err != nil {
		fmt.Printf("error encoding submission: %v\n", err)
		os.Exit(1)
	}

	client := newHTTPClient()
	resp, err := client.Post(apiURL+"/submit", "application/json", bytes.NewReader(payload))
	if err != nil {
		fmt.Printf("error connecting to coordinator: %v\n", err)
		os.Exit(1)
	}
	defer resp.Body.Close()

	var result struct {
		Success int    `json:"success"`
		Error   string `json:"error,omitempty"`
		QueryID int64  `json:"query_id,omitempty"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		fmt.Printf("error parsing submit response: %v\n", err)
		os.Exit(1)
	}
	if result.Success != 1 {
		fmt.Printf("submit rejected: %s\n", result.Error)
		os.Exit(1)
	}
	fmt.Printf("submitted, query_id=%d\n", result.QueryID)
}
