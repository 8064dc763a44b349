package main

import (
	"fmt"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"veil/internal/queue"
)

func newQueueCommand(ctx *commandContext) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "queue",
		Short: "Inspect and manage the work queue",
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}

	cmd.AddCommand(newQueueListCommand(ctx))
	cmd.AddCommand(newQueueStatsCommand(ctx))
	cmd.AddCommand(newQueueRetryCommand(ctx))
	cmd.AddCommand(newQueueRemoveCommand(ctx))
	cmd.AddCommand(newQueueClearCommand(ctx))

	return cmd
}

func newQueueListCommand(ctx *commandContext) *cobra.Command {
	var statusFlag string

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List work items",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			defer ctx.close()
			store, err := ctx.ensureStore()
			if err != nil {
				return err
			}

			var statuses []queue.ItemStatus
			if statusFlag != "" {
				status, ok := queue.ParseItemStatus(statusFlag)
				if !ok {
					return fmt.Errorf("unknown status %q (queued, processing, done, failed)", statusFlag)
				}
				statuses = append(statuses, status)
			}

			items, err := store.ListItems(cmd.Context(), statuses...)
			if err != nil {
				return err
			}
			if len(items) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "queue is empty")
				return nil
			}

			rows := make([][]string, 0, len(items))
			for _, item := range items {
				rows = append(rows, []string{
					strconv.FormatInt(item.ID, 10),
					item.SubjectID,
					item.Kind,
					string(item.Status),
					strconv.Itoa(item.Attempts),
					item.RunAt.Local().Format(time.DateTime),
					truncate(item.ErrorLog, 48),
				})
			}
			fmt.Fprintln(cmd.OutOrStdout(), renderTable(
				[]string{"ID", "Subject", "Kind", "Status", "Attempts", "Run At", "Error"},
				rows,
				[]columnAlignment{alignRight, alignLeft, alignLeft, alignLeft, alignRight, alignLeft, alignLeft},
			))
			return nil
		},
	}

	cmd.Flags().StringVar(&statusFlag, "status", "", "Filter by item status")
	return cmd
}

func newQueueStatsCommand(ctx *commandContext) *cobra.Command {
	var windowFlag time.Duration

	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Show queue depth by status",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			defer ctx.close()
			store, err := ctx.ensureStore()
			if err != nil {
				return err
			}

			stats, err := store.Stats(cmd.Context(), windowFlag)
			if err != nil {
				return err
			}
			rows := [][]string{
				{"queued", strconv.Itoa(stats.Queued)},
				{"processing", strconv.Itoa(stats.Processing)},
				{"done", strconv.Itoa(stats.Done)},
				{"failed", strconv.Itoa(stats.Failed)},
				{"total", strconv.Itoa(stats.Total)},
			}
			fmt.Fprintln(cmd.OutOrStdout(), renderTable(
				[]string{"Status", "Count"},
				rows,
				[]columnAlignment{alignLeft, alignRight},
			))
			return nil
		},
	}

	cmd.Flags().DurationVar(&windowFlag, "window", 0, "Only count items updated within this window (0 = all)")
	return cmd
}

func newQueueRetryCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "retry <item-id>",
		Short: "Requeue a failed work item",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			defer ctx.close()
			store, err := ctx.ensureStore()
			if err != nil {
				return err
			}
			id, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil {
				return fmt.Errorf("invalid item id %q", args[0])
			}
			item, err := store.RetryFailed(cmd.Context(), id)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "item #%d requeued for subject %s\n", item.ID, item.SubjectID)
			return nil
		},
	}
}

func newQueueRemoveCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "remove <subject-id>",
		Short: "Remove a subject and its work items",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			defer ctx.close()
			store, err := ctx.ensureStore()
			if err != nil {
				return err
			}
			subject, err := store.RemoveSubject(cmd.Context(), args[0])
			if err != nil {
				return err
			}

			// Stored bytes go with the record. Blob deletion failures only
			// leave orphans behind, so they warn instead of failing the
			// command.
			client, err := ctx.transferClient()
			if err != nil {
				return err
			}
			for _, blobPath := range []string{subject.OriginalPath, subject.ProcessedPath} {
				if blobPath == "" {
					continue
				}
				if err := client.Delete(cmd.Context(), blobPath); err != nil {
					fmt.Fprintf(cmd.ErrOrStderr(), "warning: could not delete blob %s: %v\n", blobPath, err)
				}
			}

			fmt.Fprintf(cmd.OutOrStdout(), "removed subject %s (%s)\n", subject.ID, shortFingerprint(subject.Fingerprint))
			return nil
		},
	}
}

func newQueueClearCommand(ctx *commandContext) *cobra.Command {
	var yes bool

	cmd := &cobra.Command{
		Use:   "clear",
		Short: "Remove every subject, work item, and audit record",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			defer ctx.close()
			if !yes {
				return fmt.Errorf("refusing to clear the queue without --yes")
			}
			store, err := ctx.ensureStore()
			if err != nil {
				return err
			}
			if err := store.Clear(cmd.Context()); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "queue cleared")
			return nil
		},
	}

	cmd.Flags().BoolVar(&yes, "yes", false, "Confirm clearing the queue")
	return cmd
}

// truncate shortens value to limit runes, never splitting a multibyte
// character in stored error text.
func truncate(value string, limit int) string {
	runes := []rune(value)
	if len(runes) <= limit {
		return value
	}
	return string(runes[:limit-1]) + "…"
}
