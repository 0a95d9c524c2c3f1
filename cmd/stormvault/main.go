package main

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

func init() {
	// Load .env if present. Real env vars take precedence.
	_ = godotenv.Load()
}

var rootCmd = &cobra.Command{
	Use:   "stormvault",
	Short: "Credential vault and secure proxy for external services",
	Long: `StormVault stores third-party API credentials encrypted at rest and
proxies outbound calls on behalf of registered tenants. Credentials are
injected server-side and never returned to callers; responses expose
masked previews only.

Running stormvault without a subcommand starts the API server.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE: func(cmd *cobra.Command, _ []string) error {
		return runServer(cmd.Context())
	},
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
