package main

import (
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "evalctl",
	Short: "Submit and manage evaluation runs",
	Long: `evalctl talks to an eval_server over HTTP.

The server address comes from --server or EVAL_SERVER (default http://localhost:8080).`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().String("server", defaultServer(), "eval_server base URL")
	rootCmd.PersistentFlags().Duration("timeout", 30*time.Second, "HTTP request timeout")
	rootCmd.PersistentFlags().Bool("json", false, "Output as JSON")
}

func defaultServer() string {
	if s := strings.TrimSpace(os.Getenv("EVAL_SERVER")); s != "" {
		return s
	}
	return "http://localhost:8080"
}

func clientFor(cmd *cobra.Command) *apiClient {
	server, _ := cmd.Flags().GetString("server")
	timeout, _ := cmd.Flags().GetDuration("timeout")
	return newAPIClient(server, timeout)
}

func jsonOutput(cmd *cobra.Command) bool {
	v, _ := cmd.Flags().GetBool("json")
	return v
}
