package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/jonboulle/clockwork"
	"github.com/spf13/cobra"
	"github.com/vogiaan1904/actpresence/internal/delivery/kafka/producer"
	"github.com/vogiaan1904/actpresence/internal/models"
	"github.com/vogiaan1904/actpresence/internal/service"
	pkgKafka "github.com/vogiaan1904/actpresence/pkg/kafka"
)

var openAs string

var openCmd = &cobra.Command{
	Use:   "open <act-id>",
	Short: "Open an act for editing and wait for the lock",
	Long: `Open an act and join its presence channel. The first participant to
open the act may edit it; everyone else sees it read-only until the holder
leaves. Commands at the prompt:

  show                 print the local copy
  set <field> <value>  stage an edit (client, plate, mileage, description, status, total)
  save                 write staged edits (holder only)
  quit                 leave the act`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithCancel(cmd.Context())
		defer cancel()

		a, closeFn, err := newApp(ctx)
		if err != nil {
			return err
		}
		defer closeFn()

		participant := a.cfg.Participant.Name
		if openAs != "" {
			participant = openAs
		}

		var prod producer.Producer
		if a.cfg.Kafka.Enabled {
			syncProd, err := pkgKafka.NewProducer(pkgKafka.ProducerConfig{
				Brokers:      a.cfg.Kafka.Brokers,
				RetryMax:     a.cfg.Kafka.ProducerRetryMax,
				RequiredAcks: a.cfg.Kafka.ProducerRequiredAcks,
				ClientID:     "actlock-" + participant,
			})
			if err != nil {
				return err
			}
			prod = producer.NewProducer(syncProd, a.l, a.cfg.Kafka.TopicActCommitted)
			defer prod.Close()
		}

		bc := service.NewChangeBroadcaster(prod, a.l)
		lockSvc := service.NewLockService(a.presence, bc, clockwork.NewRealClock(), a.m, a.l, participant, a.cfg.Presence)
		histSvc := service.NewHistoryService(a.commits, a.l)
		actSvc := service.NewActService(a.acts, lockSvc, histSvc, a.l, a.cfg.Presence.EditMarkerTTL)

		guard := service.NewLifecycleGuard(lockSvc, a.l, a.cfg.Presence.CloseTimeout)
		guard.Start(ctx)
		defer guard.Stop()

		id := models.ResourceID(args[0])
		view, err := actSvc.OpenAct(ctx, id, service.ActObserver{
			OnEditable: func(act models.Act) {
				fmt.Printf("\n[lock] you hold act %s, editing enabled (v%d)\n> ", act.ID, act.Version)
			},
			OnReadOnly: func(act models.Act, holder string) {
				fmt.Printf("\n[lock] act %s is being edited by %s, read-only\n> ", act.ID, holder)
			},
			OnRefreshed: func(act models.Act) {
				fmt.Printf("\n[sync] act %s was saved elsewhere, reloaded v%d\n> ", act.ID, act.Version)
			},
		})
		if err != nil {
			return err
		}
		defer actSvc.CloseAct(context.WithoutCancel(ctx), id)

		fmt.Printf("Opened act %s as %s (%s)\n", id, participant, view.Mode())

		lines := make(chan string)
		go func() {
			defer close(lines)
			sc := bufio.NewScanner(os.Stdin)
			for sc.Scan() {
				lines <- sc.Text()
			}
		}()

		var patch models.ActPatch
		fmt.Print("> ")
		for {
			select {
			case <-guard.Released():
				fmt.Println("\nreleased, bye")
				return nil
			case line, ok := <-lines:
				if !ok {
					return nil
				}
				done, err := runOpenCommand(ctx, actSvc, view, id, &patch, line)
				if err != nil {
					fmtErr("%v", err)
				}
				if done {
					return nil
				}
				fmt.Print("> ")
			}
		}
	},
}

func runOpenCommand(ctx context.Context, actSvc service.ActService, view *service.ActView, id models.ResourceID, patch *models.ActPatch, line string) (bool, error) {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return false, nil
	}

	switch fields[0] {
	case "quit", "exit":
		return true, nil
	case "show":
		act := view.Act()
		fmt.Printf("%s v%d [%s] %s / %s / %d km / %s / %.2f\n",
			act.Number, act.Version, view.Mode(), act.ClientName, act.CarPlate,
			act.Mileage, act.Status, float64(act.TotalCents)/100)
		if view.Mode() == service.ViewReadOnly {
			fmt.Printf("editing: %s\n", view.Holder())
		}
		if act.Description != "" {
			fmt.Println(act.Description)
		}
	case "set":
		field, value, err := parseSet(line)
		if err != nil {
			return false, err
		}
		if err := setField(patch, field, value); err != nil {
			return false, err
		}
	case "save":
		saved, err := actSvc.Save(ctx, id, *patch)
		if err != nil {
			return false, err
		}
		*patch = models.ActPatch{}
		fmt.Printf("saved v%d\n", saved.Version)
	case "history":
		events, err := actSvc.History(ctx, id, 10)
		if err != nil {
			return false, err
		}
		for _, ev := range events {
			fmt.Printf("  %s by %s\n", ev.CommittedAt.Format("2006-01-02 15:04:05"), ev.CommittedBy)
		}
	default:
		return false, fmt.Errorf("unknown command %q", fields[0])
	}
	return false, nil
}

func init() {
	openCmd.Flags().StringVar(&openAs, "as", "", "participant name (defaults to PARTICIPANT_NAME)")
	rootCmd.AddCommand(openCmd)
}
