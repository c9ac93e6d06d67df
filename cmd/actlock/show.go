package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"github.com/vogiaan1904/actpresence/internal/lock"
	"github.com/vogiaan1904/actpresence/internal/models"
	"github.com/vogiaan1904/actpresence/internal/presence"
)

type presenceRow struct {
	Key        string `json:"key"`
	AcquiredAt string `json:"acquired_at"`
	Stale      bool   `json:"stale"`
}

var showCmd = &cobra.Command{
	Use:   "show <act-id>",
	Short: "Show an act with its presence channel and edit marker",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		a, closeFn, err := newApp(ctx)
		if err != nil {
			return err
		}
		defer closeFn()

		id := models.ResourceID(args[0])
		act, err := a.acts.Get(ctx, id)
		if err != nil {
			return err
		}

		state, err := a.presence.Snapshot(ctx, presence.Topic(a.cfg.Presence.ChannelPrefix, id))
		if err != nil {
			return err
		}
		set := models.ParticipantsFromState(state, id)
		kept, evicted := lock.FilterStale(set, time.Now().UTC(), a.cfg.Presence.MaxAge)

		rows := make([]presenceRow, 0, len(set))
		for _, key := range lock.Order(kept) {
			rows = append(rows, presenceRow{Key: key, AcquiredAt: kept[key].AcquiredAt})
		}
		for _, key := range evicted {
			rows = append(rows, presenceRow{Key: key, AcquiredAt: set[key].AcquiredAt, Stale: true})
		}

		holder := ""
		if len(rows) > 0 && !rows[0].Stale {
			holder = kept[rows[0].Key].ParticipantKey
		}

		marker, err := a.acts.EditMarker(ctx, id)
		if err != nil {
			return err
		}

		if jsonOutput {
			outputJSON(map[string]any{
				"act":         act,
				"holder":      holder,
				"presence":    rows,
				"edit_marker": marker,
			})
			return nil
		}

		fmt.Printf("Act %s (%s) v%d\n", act.ID, act.Number, act.Version)
		fmt.Printf("  Client: %s\n", act.ClientName)
		fmt.Printf("  Plate: %s  Mileage: %d\n", act.CarPlate, act.Mileage)
		fmt.Printf("  Status: %s  Total: %.2f\n", act.Status, float64(act.TotalCents)/100)
		if act.UpdatedBy != "" {
			fmt.Printf("  Last saved by %s at %s\n", act.UpdatedBy, act.UpdatedAt.Format(time.RFC3339))
		}
		if holder == "" {
			fmt.Println("Lock: free")
		} else {
			fmt.Printf("Lock: held by %s\n", holder)
		}
		for i, r := range rows {
			tag := ""
			if r.Stale {
				tag = " (stale)"
			}
			fmt.Printf("  %d. %s since %s%s\n", i+1, r.Key, r.AcquiredAt, tag)
		}
		if marker != "" {
			fmt.Printf("Save in progress by %s\n", marker)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(showCmd)
}
