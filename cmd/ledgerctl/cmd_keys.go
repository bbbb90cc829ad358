package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"track-record-engine/proof"
)

func init() {
	var version string
	keygenCmd := &cobra.Command{
		Use:   "keygen",
		Short: "Generate an Ed25519 bundle signing seed",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := checkOutput(); err != nil {
				return err
			}
			seed, err := proof.GenerateSeed()
			if err != nil {
				return err
			}
			pub, err := proof.PublicKeyFromSeed(seed)
			if err != nil {
				return err
			}
			if flagOutput == "json" {
				return printJSON(os.Stdout, map[string]string{
					"version":   version,
					"algorithm": proof.Algorithm,
					"seed":      seed,
					"publicKey": pub,
				})
			}
			fmt.Printf("KEYS_SIGNING=%s=%s\n", version, seed)
			fmt.Printf("KEYS_SIGNING_ACTIVE=%s\n", version)
			fmt.Printf("# public key: %s\n", pub)
			return nil
		},
	}
	keygenCmd.Flags().StringVar(&version, "version", "v1", "Key version label")
	rootCmd.AddCommand(keygenCmd)
}
