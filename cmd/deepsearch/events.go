package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/tjfontaine/deepsearch-client/internal/storage"
)

var eventsCmd = &cobra.Command{
	Use:   "events <session-id>",
	Short: "Print the recorded event log of a session",
	Long: `Events prints a recorded session and its raw events as JSON lines.
Only recorders that persist across runs (storage.type: sqlite) are useful here.`,
	Args: cobra.ExactArgs(1),
	RunE: runEvents,
}

func init() {
	rootCmd.AddCommand(eventsCmd)
}

type sessionGetter interface {
	GetSession(ctx context.Context, id string) (*storage.SessionRecord, error)
}

func runEvents(cmd *cobra.Command, args []string) error {
	a, err := setup()
	if err != nil {
		return err
	}
	defer a.close()

	id := args[0]
	ctx := cmd.Context()
	enc := json.NewEncoder(cmd.OutOrStdout())

	if g, ok := a.recorder.(sessionGetter); ok {
		rec, err := g.GetSession(ctx, id)
		if errors.Is(err, storage.ErrNotFound) {
			return fmt.Errorf("session %s was not recorded", id)
		}
		if err != nil {
			return err
		}
		if err := enc.Encode(rec); err != nil {
			return err
		}
	}

	events, err := a.recorder.ListEvents(ctx, id)
	if errors.Is(err, storage.ErrNotFound) {
		return fmt.Errorf("session %s was not recorded", id)
	}
	if err != nil {
		return err
	}
	for _, ev := range events {
		if err := enc.Encode(ev); err != nil {
			return err
		}
	}
	return nil
}
