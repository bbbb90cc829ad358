package main

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"track-record-engine/handlers"
	"track-record-engine/ingest"
	"track-record-engine/ledger"
	"track-record-engine/websocket"
)

func init() {
	var url, token, eventsPath string
	pushCmd := &cobra.Command{
		Use:   "push",
		Short: "Send an exported event list over the terminal websocket",
		Long:  "Resynchronizes with the server head, then sends every event after it and prints each acknowledgement.",
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := readInput(eventsPath)
			if err != nil {
				return err
			}
			var events []ledger.Event
			if err := json.Unmarshal(data, &events); err != nil {
				return fmt.Errorf("decode events: %w", err)
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
			defer cancel()
			client := websocket.NewClient(url, token)
			if err := client.Connect(ctx); err != nil {
				return err
			}
			defer client.Close()
			client.StartPing(25 * time.Second)

			reply, err := client.Request(handlers.TypeState, "state", nil)
			if err != nil {
				return err
			}
			var head ledger.State
			if err := decodeReply(reply, &head); err != nil {
				return err
			}
			fmt.Printf("Server head: seq %d %s\n", head.LastSeqNo, head.LastEventHash)

			sent := 0
			for _, e := range events {
				if e.SeqNo <= head.LastSeqNo {
					continue
				}
				reply, err := client.Request(handlers.TypeEvent, strconv.FormatInt(e.SeqNo, 10), ingest.SubmissionFrom(e))
				if err != nil {
					return err
				}
				var ack handlers.IngestReply
				if err := decodeReply(reply, &ack); err != nil {
					return err
				}
				fmt.Printf("seq %d: %s\n", e.SeqNo, ack.Status)
				if !ack.Success {
					return fmt.Errorf("seq %d rejected: %s (server head %d)", e.SeqNo, ack.Error, ack.LastSeqNo)
				}
				sent++
			}
			fmt.Printf("Sent %d events\n", sent)
			return nil
		},
	}
	pushCmd.Flags().StringVar(&url, "url", "ws://localhost:8080/api/v1/terminal/ws", "Terminal websocket URL")
	pushCmd.Flags().StringVar(&token, "token", "", "Terminal token")
	pushCmd.Flags().StringVar(&eventsPath, "events", "-", "JSON array of events (- for stdin)")
	_ = pushCmd.MarkFlagRequired("token")
	rootCmd.AddCommand(pushCmd)
}

// decodeReply unpacks the data of a reply frame. Error frames carrying an
// ingestion reply are decoded too so the caller can report the server head.
func decodeReply(frame handlers.Frame, dest interface{}) error {
	if frame.Type == handlers.TypeError {
		if _, ok := dest.(*handlers.IngestReply); !ok {
			return fmt.Errorf("server error: %s", string(frame.Data))
		}
	}
	if err := json.Unmarshal(frame.Data, dest); err != nil {
		return fmt.Errorf("decode %s reply: %w", frame.Type, err)
	}
	return nil
}
