package main

import (
	"os"

	"github.com/spf13/cobra"
)

var (
	serverURL   string
	outputFmt   string
	accountID   string
	accountRole string
)

var rootCmd = &cobra.Command{
	Use:   "edusyncctl",
	Short: "CLI for the edusync server",
	Long: `edusyncctl reads entities, submits corrections and operates the
contribution queue of an edusync server.

Identity is sent in the gateway headers; pass --account and --role, or set
EDUSYNC_ACCOUNT and EDUSYNC_ROLE. The snapshot command works offline.`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&serverURL, "server", envOr("EDUSYNC_SERVER", "http://localhost:8080"), "edusync server URL")
	rootCmd.PersistentFlags().StringVarP(&outputFmt, "output", "o", "table", "Output format: table, json, yaml")
	rootCmd.PersistentFlags().StringVar(&accountID, "account", os.Getenv("EDUSYNC_ACCOUNT"), "Account id sent as X-Account-ID")
	rootCmd.PersistentFlags().StringVar(&accountRole, "role", os.Getenv("EDUSYNC_ROLE"), "Account role sent as X-Account-Role (member or reviewer)")

	rootCmd.AddCommand(healthCmd)
	rootCmd.AddCommand(entityCmd)
	rootCmd.AddCommand(searchCmd)
	rootCmd.AddCommand(refreshCmd)
	rootCmd.AddCommand(submitCmd)
	rootCmd.AddCommand(queueCmd)
	rootCmd.AddCommand(reviewCmd)
	rootCmd.AddCommand(auditCmd)
	rootCmd.AddCommand(snapshotCmd)
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
