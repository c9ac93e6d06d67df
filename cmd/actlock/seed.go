package main

import (
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"github.com/vogiaan1904/actpresence/internal/models"
	repo "github.com/vogiaan1904/actpresence/internal/repository/redis"
)

var (
	seedCount int
	seedFrom  int64
)

var seedCmd = &cobra.Command{
	Use:   "seed",
	Short: "Create sample repair acts",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		a, closeFn, err := newApp(ctx)
		if err != nil {
			return err
		}
		defer closeFn()

		now := time.Now().UTC()
		created := make([]models.ResourceID, 0, seedCount)
		for i := 0; i < seedCount; i++ {
			n := seedFrom + int64(i)
			act := &models.Act{
				ID:          models.ResourceIDFromInt(n),
				Number:      fmt.Sprintf("A-%05d", n),
				ClientName:  fmt.Sprintf("Client %d", n),
				CarPlate:    fmt.Sprintf("AB%04dC", n%10000),
				Mileage:     50000 + n*137,
				Description: "Scheduled maintenance",
				Status:      models.ActStatusDraft,
				CreatedAt:   now,
			}
			if err := a.acts.Create(ctx, act); err != nil {
				if errors.Is(err, repo.ErrActAlreadyExists) {
					continue
				}
				return fmt.Errorf("create act %s: %w", act.ID, err)
			}
			created = append(created, act.ID)
		}

		if jsonOutput {
			outputJSON(map[string]any{"created": created})
			return nil
		}
		fmt.Printf("Created %d act(s)\n", len(created))
		for _, id := range created {
			fmt.Printf("  %s\n", id)
		}
		return nil
	},
}

func init() {
	seedCmd.Flags().IntVar(&seedCount, "count", 5, "number of acts to create")
	seedCmd.Flags().Int64Var(&seedFrom, "from", 1, "first act id")
	rootCmd.AddCommand(seedCmd)
}
