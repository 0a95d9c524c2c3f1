package main

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/stormhq/stormvault/internal/secretstore"
)

var keygenCmd = &cobra.Command{
	Use:   "keygen",
	Short: "Generate a new master encryption key",
	Long: `Generates a random 32-byte master key, base64-encoded, suitable for
the STORMVAULT_ENCRYPTION_KEY environment variable. Losing this key
makes every stored credential unrecoverable, so store it in a secret
manager, not in the config file.`,
	RunE: func(_ *cobra.Command, _ []string) error {
		key := make([]byte, secretstore.KeySize)
		if _, err := rand.Read(key); err != nil {
			return fmt.Errorf("generating key: %w", err)
		}
		fmt.Println(base64.StdEncoding.EncodeToString(key))
		return nil
	},
}

func init() {
	rootCmd.AddCommand(keygenCmd)
}
