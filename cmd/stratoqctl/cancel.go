package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/user/stratoq/pkg/wire"
)

func init() {
	rootCmd.AddCommand(cancelCmd)
}

var cancelCmd = &cobra.Command{
	Use:   "cancel <query_id>",
	Short: "Cancel a running query (requires --admin-auth-key)",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		runCancel(args[0])
	},
}

func runCancel(arg string) {
	queryID, err := strconv.ParseInt(arg, 10, 64)
	if err != nil {
		fmt.Printf("invalid query_id %q: %v\n", arg, err)
		os.Exit(1)
	}
	if adminKey == "" {
		fmt.Println("cancel requires --admin-auth-key (or STRATOQ_ADMIN_AUTH_KEY)")
		os.Exit(1)
	}

	body := struct {
		wire.Envelope
		QueryID int64 `json:"query_id"`
	}{
		Envelope: wire.Envelope{Version: wire.MaxProtocolVersion, InstanceID: instanceID, AdminAuthKey: adminKey},
		QueryID:  queryID,
	}
	payload, err := json.Marshal(body)
	if err != nil {
		fmt.Printf("error encoding cancel request: %v\n", err)
		os.Exit(1)
	}

	client := newHTTPClient()
	resp, err := client.Post(apiURL+"/cancel", "application/json", bytes.NewReader(payload))
	if err != nil {
		fmt.Printf("error connecting to coordinator: %v\n", err)
		os.Exit(1)
	}
	defer resp.Body.Close()

	var result struct {
		Success int    `json:"success"`
		Error   string `json:"error,omitempty"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		fmt.Printf("error parsing cancel response: %v\n", err)
		os.Exit(1)
	}
	if result.Success != 1 {
		fmt.Printf("cancel rejected: %s\n", result.Error)
		os.Exit(1)
	}
	fmt.Printf("cancelled query_id=%d\n", queryID)
}
