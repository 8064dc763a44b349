package main

import (
	"fmt"
	"strconv"
	"time"

	"github.com/spf13/cobra"
)

func newAuditCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "audit <subject-id>",
		Short: "Show a subject's state transition history",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			defer ctx.close()
			store, err := ctx.ensureStore()
			if err != nil {
				return err
			}

			// Resolve the subject first so a typo yields "not found" instead
			// of an empty table.
			subject, err := store.SubjectByID(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			events, err := store.AuditForSubject(cmd.Context(), subject.ID)
			if err != nil {
				return err
			}
			if len(events) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "no audit events recorded")
				return nil
			}

			rows := make([][]string, 0, len(events))
			for _, event := range events {
				rows = append(rows, []string{
					strconv.FormatInt(event.ID, 10),
					event.Type,
					event.CreatedAt.Local().Format(time.DateTime),
					truncate(event.Payload, 64),
				})
			}
			fmt.Fprintln(cmd.OutOrStdout(), renderTable(
				[]string{"ID", "Event", "At", "Payload"},
				rows,
				[]columnAlignment{alignRight, alignLeft, alignLeft, alignLeft},
			))
			return nil
		},
	}
}
