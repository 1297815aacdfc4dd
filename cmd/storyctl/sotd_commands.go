package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"storytime/internal/adapters/repo"
	"storytime/internal/usecase/reader"
	"storytime/internal/usecase/unlock"
)

func newStoryOfTheDayCommand(ctx *commandContext) *cobra.Command {
	sotdCmd := &cobra.Command{
		Use:     "sotd",
		Aliases: []string{"story-of-the-day"},
		Short:   "Manage story of the day assignments",
	}
	sotdCmd.AddCommand(newStoryOfTheDaySetCommand(ctx))
	sotdCmd.AddCommand(newStoryOfTheDayListCommand(ctx))
	return sotdCmd
}

func (c *commandContext) withReader(fn func(*reader.Service) error) error {
	cfg := c.ensureConfig()
	return c.withPostgres(func(pg *repo.Postgres) error {
		// назначение истории дня не трогает учёт разблокировок
		ledger := unlock.NewLedger(unlock.NewMemoryStore(), cfg.Location())
		return fn(reader.NewService(pg, pg, ledger,
			reader.WithLogger(c.logger()),
			reader.WithAnalytics(pg),
		))
	})
}

func newStoryOfTheDaySetCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "set <date> <story-id>",
		Short: "Assign the story of the day, replacing any existing assignment",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withReader(func(svc *reader.Service) error {
				assignment, err := svc.AssignStoryOfTheDay(cmd.Context(), args[0], args[1])
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s -> %s\n", assignment.Date, assignment.StoryID)
				return nil
			})
		},
	}
}

func newStoryOfTheDayListCommand(ctx *commandContext) *cobra.Command {
	var (
		from  string
		limit int
	)
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List story of the day assignments, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withReader(func(svc *reader.Service) error {
				items, err := svc.ListStoryOfTheDay(cmd.Context(), from, limit)
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				if len(items) == 0 {
					fmt.Fprintln(out, "No assignments")
					return nil
				}
				for _, item := range items {
					fmt.Fprintf(out, "%s  %s\n", item.Date, item.StoryID)
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&from, "from", "", "Earliest date to include (YYYY-MM-DD)")
	cmd.Flags().IntVar(&limit, "limit", 30, "Maximum number of assignments")
	return cmd
}
