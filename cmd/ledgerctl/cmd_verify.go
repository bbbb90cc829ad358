package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"track-record-engine/proof"
)

func init() {
	var bundlePath, keysPath string
	verifyCmd := &cobra.Command{
		Use:   "verify-bundle",
		Short: "Verify a proof bundle against published public keys",
		Long:  "Checks chain linkage, replays the final state, checks checkpoint consistency and the bundle signature. No server access is needed.",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := checkOutput(); err != nil {
				return err
			}
			data, err := readInput(bundlePath)
			if err != nil {
				return err
			}
			var bundle proof.Bundle
			if err := json.Unmarshal(data, &bundle); err != nil {
				return fmt.Errorf("decode bundle: %w", err)
			}
			keys, err := loadKeys(keysPath)
			if err != nil {
				return err
			}

			result := proof.Verify(bundle, keys)
			if flagOutput == "json" {
				if err := printJSON(os.Stdout, result); err != nil {
					return err
				}
			} else {
				printVerifyText(bundle, result)
			}
			if !result.Valid {
				return fmt.Errorf("bundle %s is not valid", bundle.BundleID)
			}
			return nil
		},
	}
	verifyCmd.Flags().StringVar(&bundlePath, "bundle", "-", "Bundle JSON file (- for stdin)")
	verifyCmd.Flags().StringVar(&keysPath, "keys", "", "Public keys JSON, as served by /api/v1/keys")
	_ = verifyCmd.MarkFlagRequired("keys")
	rootCmd.AddCommand(verifyCmd)
}

// loadKeys accepts both {"keys":[...]} and a bare array.
func loadKeys(path string) ([]proof.PublicKey, error) {
	data, err := readInput(path)
	if err != nil {
		return nil, err
	}
	var wrapped struct {
		Keys []proof.PublicKey `json:"keys"`
	}
	if err := json.Unmarshal(data, &wrapped); err == nil && len(wrapped.Keys) > 0 {
		return wrapped.Keys, nil
	}
	var keys []proof.PublicKey
	if err := json.Unmarshal(data, &keys); err != nil {
		return nil, fmt.Errorf("decode keys: %w", err)
	}
	return keys, nil
}

func printVerifyText(b proof.Bundle, r proof.VerifyResult) {
	mark := func(ok bool) string {
		if ok {
			return "ok"
		}
		return "FAILED"
	}
	fmt.Printf("Bundle:      %s\n", b.BundleID)
	fmt.Printf("Instance:    %s\n", b.InstanceID)
	fmt.Printf("Events:      %d\n", len(b.Events))
	fmt.Printf("Chain:       %s\n", mark(r.Chain.Valid))
	fmt.Printf("State:       %s\n", mark(r.StateMatches))
	fmt.Printf("Checkpoints: %s\n", mark(r.CheckpointConsistent))
	fmt.Printf("Signature:   %s (key %s)\n", mark(r.SignatureValid), r.KeyVersion)
	for _, e := range r.Errors {
		fmt.Printf("  - %s\n", e)
	}
	fmt.Printf("Result:      %s\n", mark(r.Valid))
}
