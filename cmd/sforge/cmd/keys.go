package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/dmoren/styleforge/pkg/auth"
)

var hashKey bool

// keysCmd represents the keys command
var keysCmd = &cobra.Command{
	Use:   "keys",
	Short: "Manage daemon API keys",
}

// keysGenerateCmd represents the keys generate command
var keysGenerateCmd = &cobra.Command{
	Use:   "generate",
	Short: "Generate a new API key",
	Long: `Generate a random API key. With --hash, also print a bcrypt hash that
can be placed in the daemon config (api.key with api.key_is_hashed: true) so
the plaintext key never lands on disk.`,
	RunE: runKeysGenerate,
}

func init() {
	rootCmd.AddCommand(keysCmd)
	keysCmd.AddCommand(keysGenerateCmd)

	keysGenerateCmd.Flags().BoolVar(&hashKey, "hash", false, "also print the bcrypt hash for the daemon config")
}

func runKeysGenerate(cmd *cobra.Command, args []string) error {
	key, err := auth.GenerateAPIKey()
	if err != nil {
		return err
	}
	fmt.Printf("API key: %s\n", key)

	if hashKey {
		hash, err := auth.HashAPIKey(key)
		if err != nil {
			return err
		}
		fmt.Printf("Hash:    %s\n", hash)
	}
	return nil
}
