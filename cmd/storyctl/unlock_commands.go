package main

import (
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"storytime/internal/adapters/localstore"
	"storytime/internal/domain"
	"storytime/internal/usecase/unlock"
)

type unlockFlags struct {
	ledgerPath string
	deviceID   string
	storyID    string
}

func newUnlockCommand(ctx *commandContext) *cobra.Command {
	var flags unlockFlags
	unlockCmd := &cobra.Command{
		Use:   "unlock",
		Short: "Inspect and manage the local ad-unlock ledger",
	}
	unlockCmd.PersistentFlags().StringVar(&flags.ledgerPath, "ledger", "", "SQLite ledger path (default LEDGER_SQLITE_PATH)")

	unlockCmd.AddCommand(newUnlockStatusCommand(ctx, &flags))
	unlockCmd.AddCommand(newUnlockRecordCommand(ctx, &flags))
	unlockCmd.AddCommand(newUnlockPurgeCommand(ctx, &flags))

	return unlockCmd
}

func addUnlockTargetFlags(cmd *cobra.Command, flags *unlockFlags) {
	cmd.Flags().StringVar(&flags.deviceID, "device", "", "Device id")
	cmd.Flags().StringVar(&flags.storyID, "story", "", "Story id")
	_ = cmd.MarkFlagRequired("device")
	_ = cmd.MarkFlagRequired("story")
}

func (c *commandContext) withLedger(flags *unlockFlags, fn func(*localstore.SQLite, *unlock.Ledger) error) error {
	cfg := c.ensureConfig()
	path := flags.ledgerPath
	if path == "" {
		path = cfg.Ledger.SQLitePath
	}
	store, err := localstore.Open(path)
	if err != nil {
		return fmt.Errorf("open ledger: %w", err)
	}
	defer store.Close()
	return fn(store, unlock.NewLedger(store, cfg.Location()))
}

func newUnlockStatusCommand(ctx *commandContext, flags *unlockFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show today's ad progress for a device and story",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withLedger(flags, func(_ *localstore.SQLite, ledger *unlock.Ledger) error {
				progress, err := ledger.Progress(cmd.Context(), flags.deviceID, flags.storyID)
				if err != nil {
					return err
				}
				printProgress(cmd.OutOrStdout(), progress)
				return nil
			})
		},
	}
	addUnlockTargetFlags(cmd, flags)
	return cmd
}

func newUnlockRecordCommand(ctx *commandContext, flags *unlockFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "record",
		Short: "Record one completed ad for a device and story",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withLedger(flags, func(_ *localstore.SQLite, ledger *unlock.Ledger) error {
				progress, err := ledger.RecordAdImpression(cmd.Context(), flags.deviceID, flags.storyID)
				if err != nil {
					return err
				}
				printProgress(cmd.OutOrStdout(), progress)
				if progress.JustUnlocked {
					fmt.Fprintln(cmd.OutOrStdout(), "Story unlocked for today")
				}
				return nil
			})
		},
	}
	addUnlockTargetFlags(cmd, flags)
	return cmd
}

func newUnlockPurgeCommand(ctx *commandContext, flags *unlockFlags) *cobra.Command {
	var keepDays int
	cmd := &cobra.Command{
		Use:   "purge",
		Short: "Delete ledger entries older than the retention window",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if keepDays < 1 {
				return errors.New("--keep-days must be at least 1")
			}
			return ctx.withLedger(flags, func(store *localstore.SQLite, ledger *unlock.Ledger) error {
				before := domain.DayOf(ledger.Today().Time().AddDate(0, 0, -(keepDays - 1)), time.UTC)
				removed, err := store.Purge(cmd.Context(), before)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Removed %d entries before %s from %s\n", removed, before, store.Path())
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&keepDays, "keep-days", 2, "Number of most recent days to keep, today included")
	return cmd
}

func printProgress(out io.Writer, p unlock.Progress) {
	state := "locked"
	if p.Unlocked {
		state = "unlocked"
	}
	fmt.Fprintf(out, "Story %s on %s: %d/%d ads, %s\n", p.StoryID, p.Day, p.AdsCompleted, p.Required, state)
}
