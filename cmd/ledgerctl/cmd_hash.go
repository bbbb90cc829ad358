package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"track-record-engine/ledger"
)

func init() {
	var eventPath string
	var seal bool
	hashCmd := &cobra.Command{
		Use:   "hash-event",
		Short: "Compute the canonical hash of an event",
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := readInput(eventPath)
			if err != nil {
				return err
			}
			var e ledger.Event
			if err := json.Unmarshal(data, &e); err != nil {
				return fmt.Errorf("decode event: %w", err)
			}
			hash, err := ledger.ComputeEventHash(e)
			if err != nil {
				return err
			}
			if seal {
				e.EventHash = hash
				return printJSON(os.Stdout, e)
			}
			fmt.Println(hash)
			if e.EventHash != "" && e.EventHash != hash {
				return fmt.Errorf("stored eventHash %s does not match", e.EventHash)
			}
			return nil
		},
	}
	hashCmd.Flags().StringVar(&eventPath, "event", "-", "Event JSON file (- for stdin)")
	hashCmd.Flags().BoolVar(&seal, "seal", false, "Print the event with eventHash set")
	rootCmd.AddCommand(hashCmd)

	var chainPath string
	chainCmd := &cobra.Command{
		Use:   "verify-chain",
		Short: "Check linkage and replay of an exported event list",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := checkOutput(); err != nil {
				return err
			}
			data, err := readInput(chainPath)
			if err != nil {
				return err
			}
			var events []ledger.Event
			if err := json.Unmarshal(data, &events); err != nil {
				return fmt.Errorf("decode events: %w", err)
			}
			if len(events) == 0 {
				return fmt.Errorf("no events")
			}
			instanceID := events[0].InstanceID
			result := ledger.VerifyChain(events, instanceID)
			var state ledger.State
			if result.Valid {
				if state, err = ledger.Replay(instanceID, events); err != nil {
					return err
				}
			}
			if flagOutput == "json" {
				return printJSON(os.Stdout, map[string]interface{}{"chain": result, "state": state})
			}
			if !result.Valid {
				return fmt.Errorf("chain broken at seq %d: %s", result.BreakAtSeqNo, result.Error)
			}
			fmt.Printf("Chain of %d events is intact, head %s\n", result.ChainLength, result.LastEventHash)
			fmt.Printf("Balance %.2f, profit %.2f, %d wins / %d losses\n", state.Balance, state.TotalProfit, state.WinCount, state.LossCount)
			return nil
		},
	}
	chainCmd.Flags().StringVar(&chainPath, "events", "-", "JSON array of events (- for stdin)")
	rootCmd.AddCommand(chainCmd)
}
