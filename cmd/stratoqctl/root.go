// Command stratoqctl is the operator CLI for stratoq: submitting queries,
// cancelling them, and reading status/progress off a running coordinator.
package main

import (
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/spf13/cobra"
)

var (
	apiURL      string
	authKey     string
	adminKey    string
	instanceID  string
	httpTimeout time.Duration
)

var rootCmd = &cobra.Command{
	Use:   "stratoqctl",
	Short: "stratoqctl is a CLI for operating a stratoq coordinator",
	Long:  `A terminal tool for submitting queries, cancelling them, and watching their progress against a stratoq coordinator.`,
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&apiURL, "url", "http://localhost:25000", "coordinator API URL")
	rootCmd.PersistentFlags().StringVar(&authKey, "auth-key", os.Getenv("STRATOQ_AUTH_KEY"), "routine auth_key shared secret")
	rootCmd.PersistentFlags().StringVar(&adminKey, "admin-auth-key", os.Getenv("STRATOQ_ADMIN_AUTH_KEY"), "privileged admin_auth_key bearer token")
	rootCmd.PersistentFlags().StringVar(&instanceID, "instance-id", "stratoqctl", "instance_id this client identifies itself with")
	rootCmd.PersistentFlags().DurationVar(&httpTimeout, "timeout", 10*time.Second, "HTTP request timeout")
}

func newHTTPClient() *http.Client {
	return &http.Client{Timeout: httpTimeout}
}

func main() {
	Execute()
}
