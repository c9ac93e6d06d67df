package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"github.com/vogiaan1904/actpresence/internal/models"
	"github.com/vogiaan1904/actpresence/internal/service"
)

var historyLimit int64

var historyCmd = &cobra.Command{
	Use:   "history <act-id>",
	Short: "List recorded saves of an act, newest first",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		a, closeFn, err := newApp(ctx)
		if err != nil {
			return err
		}
		defer closeFn()

		histSvc := service.NewHistoryService(a.commits, a.l)
		events, err := histSvc.List(ctx, models.ResourceID(args[0]), historyLimit)
		if err != nil {
			return err
		}

		if jsonOutput {
			outputJSON(events)
			return nil
		}
		if len(events) == 0 {
			fmt.Println("No recorded saves")
			return nil
		}
		for _, ev := range events {
			fmt.Printf("%s  %s\n", ev.CommittedAt.Format(time.RFC3339), ev.CommittedBy)
		}
		return nil
	},
}

func init() {
	historyCmd.Flags().Int64Var(&historyLimit, "limit", 20, "maximum number of entries")
	rootCmd.AddCommand(historyCmd)
}
