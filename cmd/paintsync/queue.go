package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/candlefish/paintbox-sync/internal/app"
	"github.com/candlefish/paintbox-sync/internal/db"
	"github.com/candlefish/paintbox-sync/internal/models"
	"github.com/candlefish/paintbox-sync/internal/sync/queue"
	"github.com/spf13/cobra"
)

func newEnqueueCmd(opts *rootOptions) *cobra.Command {
	var (
		itemType string
		action   string
		data     string
		file     string
		priority int
	)
	cmd := &cobra.Command{
		Use:   "enqueue",
		Short: "Queue a mutation for sync",
		Example: `  paintsync enqueue --type estimate --action update \
    --data '{"estimate_id":"est-1","version":"v3","diff":{"total":1200}}'`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			raw, err := readData(data, file)
			if err != nil {
				return err
			}
			t := models.ItemType(itemType)
			if !t.Valid() {
				return fmt.Errorf("unknown item type %q", itemType)
			}
			payload, err := models.DecodePayloadAs(t, raw)
			if err != nil {
				return err
			}
			m := queue.Mutation{Action: models.Action(action), Payload: payload}
			if cmd.Flags().Changed("priority") {
				m.Priority = &priority
			}

			return withApp(opts, func(ctx context.Context, a *app.App) error {
				id, err := a.Engine().Enqueue(ctx, m)
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), id)
				return nil
			})
		},
	}
	cmd.Flags().StringVarP(&itemType, "type", "t", "", "item type: estimate, photo or crm_write")
	cmd.Flags().StringVarP(&action, "action", "a", string(models.ActionUpdate), "action: create, update or delete")
	cmd.Flags().StringVarP(&data, "data", "d", "", "payload JSON")
	cmd.Flags().StringVarP(&file, "file", "f", "", "read payload JSON from file")
	cmd.Flags().IntVarP(&priority, "priority", "p", 0, "priority override, lower runs first")
	_ = cmd.MarkFlagRequired("type")
	cmd.MarkFlagsMutuallyExclusive("data", "file")
	return cmd
}

func readData(data, file string) (json.RawMessage, error) {
	switch {
	case file != "":
		raw, err := os.ReadFile(file)
		if err != nil {
			return nil, fmt.Errorf("read payload: %w", err)
		}
		return raw, nil
	case data != "":
		return json.RawMessage(data), nil
	default:
		return nil, errors.New("one of --data or --file is required")
	}
}

func newStatusCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show queue counts and engine status",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(opts, func(ctx context.Context, a *app.App) error {
				return printJSON(cmd.OutOrStdout(), a.Engine().Snapshot(ctx))
			})
		},
	}
}

func newItemsCmd(opts *rootOptions) *cobra.Command {
	var (
		status   string
		itemType string
		limit    int
	)
	cmd := &cobra.Command{
		Use:   "items",
		Short: "List queued items",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			filter := db.Filter{
				Status: models.ItemStatus(status),
				Type:   models.ItemType(itemType),
				Limit:  limit,
			}
			return withApp(opts, func(ctx context.Context, a *app.App) error {
				items, err := a.Engine().Items(ctx, filter)
				if err != nil {
					return err
				}
				if items == nil {
					items = []*models.QueueItem{}
				}
				return printJSON(cmd.OutOrStdout(), items)
			})
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "filter by status")
	cmd.Flags().StringVar(&itemType, "type", "", "filter by item type")
	cmd.Flags().IntVar(&limit, "limit", 0, "maximum number of items")
	return cmd
}

func newRetryCmd(opts *rootOptions) *cobra.Command {
	var all bool
	cmd := &cobra.Command{
		Use:   "retry [id]",
		Short: "Retry a failed or waiting item immediately",
		Args: func(cmd *cobra.Command, args []string) error {
			if all {
				return cobra.NoArgs(cmd, args)
			}
			return cobra.ExactArgs(1)(cmd, args)
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(opts, func(ctx context.Context, a *app.App) error {
				if all {
					n, err := a.Queue().RetryAll(ctx)
					if err != nil {
						return err
					}
					fmt.Fprintf(cmd.OutOrStdout(), "%d items reset\n", n)
					return nil
				}
				return a.Engine().RetryItem(ctx, args[0])
			})
		},
	}
	cmd.Flags().BoolVar(&all, "all", false, "retry every failed item")
	return cmd
}

func newRemoveCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "remove <id>",
		Short: "Delete an item from the queue",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(opts, func(ctx context.Context, a *app.App) error {
				return a.Engine().RemoveItem(ctx, args[0])
			})
		},
	}
}

func newConflictsCmd(opts *rootOptions) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "conflicts",
		Short: "Show recently resolved conflicts",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(opts, func(ctx context.Context, a *app.App) error {
				records, err := a.Engine().Conflicts(ctx, limit)
				if err != nil {
					return err
				}
				if records == nil {
					records = []*models.ConflictRecord{}
				}
				return printJSON(cmd.OutOrStdout(), records)
			})
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 20, "maximum number of records")
	return cmd
}
