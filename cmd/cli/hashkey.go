// Package cli provides the command-line interface for netprobe.
// This file implements API key hashing for the api.api_key_hashes setting.
package cli

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/anstrom/netprobe/internal/auth"
	"github.com/anstrom/netprobe/internal/errors"
)

var (
	hashKeyGenerate bool
	hashKeyCost     = auth.BcryptCost
)

// hashKeyCmd represents the hash-key command
var hashKeyCmd = &cobra.Command{
	Use:   "hash-key [key]",
	Short: "Hash an API key for the configuration file",
	Long: `Print the bcrypt hash of an API key. Add the hash to api.api_key_hashes
and give the key itself to API clients, which send it in the X-API-Key header.

With --generate a new random key is created; it is shown only once.`,
	Example: `  netprobe hash-key --generate
  netprobe hash-key np_existing_key_value`,
	Args: func(cmd *cobra.Command, args []string) error {
		if hashKeyGenerate {
			return cobra.NoArgs(cmd, args)
		}
		return cobra.ExactArgs(1)(cmd, args)
	},
	RunE: func(cmd *cobra.Command, args []string) error {
		key := ""
		if len(args) > 0 {
			key = args[0]
		}
		return runHashKey(cmd.OutOrStdout(), key, hashKeyGenerate, hashKeyCost)
	},
}

func init() {
	rootCmd.AddCommand(hashKeyCmd)
	hashKeyCmd.Flags().BoolVar(&hashKeyGenerate, "generate", false, "generate a new random key")
}

func runHashKey(out io.Writer, key string, generate bool, cost int) error {
	if generate {
		generated, err := auth.GenerateAPIKey(cost)
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "Key:  %s\n", generated.Key)
		fmt.Fprintf(out, "Hash: %s\n", generated.Hash)
		fmt.Fprintln(out, "Store the key now; it cannot be recovered from the hash.")
		return nil
	}

	if key == "" {
		return errors.NewConfigError(errors.CodeValidation, "API key must not be empty")
	}
	if !auth.IsValidAPIKeyFormat(key) {
		fmt.Fprintf(out, "Note: %s does not look like a generated netprobe key\n", auth.CreateDisplayPrefix(key))
	}

	hash, err := auth.HashAPIKeyWithCost(key, cost)
	if err != nil {
		return err
	}
	fmt.Fprintln(out, hash)
	return nil
}
