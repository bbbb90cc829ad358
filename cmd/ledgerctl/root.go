package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
)

// rootCmd groups the offline tools around the track record ledger: bundle
// verification, key generation, event hashing and a terminal simulator.
var rootCmd = &cobra.Command{
	Use:           "ledgerctl",
	Short:         "Track record ledger tools",
	Long:          "Verify proof bundles offline, generate signing keys, hash events and push event files to a running engine.",
	SilenceUsage:  true,
	SilenceErrors: false,
}

var flagOutput string

func init() {
	rootCmd.PersistentFlags().StringVarP(&flagOutput, "output", "o", "text", "Output format: json|text")
}

func printJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// readInput reads a file, or stdin when path is "-" or empty.
func readInput(path string) ([]byte, error) {
	if path == "" || path == "-" {
		return io.ReadAll(os.Stdin)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	return data, nil
}

func checkOutput() error {
	switch flagOutput {
	case "json", "text", "":
		return nil
	default:
		return fmt.Errorf("invalid --output: %s (use json|text)", flagOutput)
	}
}
