package main

import (
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"storytime/internal/adapters/condenser"
	"storytime/internal/adapters/repo"
	"storytime/internal/domain"
	"storytime/internal/infra/cache"
	"storytime/internal/infra/queue"
	"storytime/internal/usecase/generation"
)

type generateFlags struct {
	batchStart  int
	batchEnd    int
	dryRun      bool
	missingOnly bool
	enqueue     bool
	lengths     []string
	genders     []string
	stories     []string
	delay       time.Duration
}

func newGenerateCommand(ctx *commandContext) *cobra.Command {
	var flags generateFlags
	cmd := &cobra.Command{
		Use:   "generate",
		Short: "Generate condensed story versions for active stories",
		Long: "Generate 5min and 10min versions for active stories, oldest first.\n" +
			"--batch-start and --batch-end select a 1-based inclusive range of active stories.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			opts, err := flags.batchOptions()
			if err != nil {
				return err
			}
			cfg := ctx.ensureConfig()
			if !cmd.Flags().Changed("delay") {
				opts.Delay = cfg.Generation.StoryDelay
			}
			if flags.enqueue {
				return enqueueGeneration(cmd, ctx, opts)
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Dry run: %s\n", yesNo(opts.DryRun))
			return ctx.withPostgres(func(pg *repo.Postgres) error {
				logger := ctx.logger()
				service := generation.NewService(pg, pg, condenser.New(condenser.Settings{
					APIKey:  cfg.OpenAI.APIKey,
					BaseURL: cfg.OpenAI.BaseURL,
					Model:   cfg.OpenAI.Model,
					Timeout: cfg.OpenAI.Timeout,
					Stub:    cfg.OpenAI.Stub,
				}),
					generation.WithLogger(logger),
					generation.WithAnalytics(pg),
					generation.WithPairTimeout(cfg.Generation.PairTimeout),
					generation.WithPairConcurrency(cfg.Generation.Concurrency),
					generation.WithMinChars(cfg.Generation.MinChars),
				)
				index := 0
				opts.OnStory = func(r generation.StoryReport) {
					index++
					printStoryReport(out, index, r)
				}
				summary, err := service.RunBatch(cmd.Context(), opts)
				printSummary(out, summary)
				return err
			})
		},
	}

	cmd.Flags().IntVar(&flags.batchStart, "batch-start", 0, "First active story to process (1-based)")
	cmd.Flags().IntVar(&flags.batchEnd, "batch-end", 0, "Last active story to process (inclusive)")
	cmd.Flags().BoolVar(&flags.dryRun, "dry-run", false, "List planned versions without generating")
	cmd.Flags().BoolVar(&flags.missingOnly, "missing-only", false, "Skip versions that are already stored")
	cmd.Flags().BoolVar(&flags.enqueue, "enqueue", false, "Put the run on the generation queue instead of running it here")
	cmd.Flags().StringSliceVar(&flags.lengths, "lengths", []string{"5min", "10min"}, "Target lengths")
	cmd.Flags().StringSliceVar(&flags.genders, "genders", nil, "Gender versions (default: every version with a source text)")
	cmd.Flags().StringSliceVar(&flags.stories, "story", nil, "Restrict the run to these story ids")
	cmd.Flags().DurationVar(&flags.delay, "delay", time.Second, "Minimum delay between stories")

	return cmd
}

func (f generateFlags) batchOptions() (generation.BatchOptions, error) {
	offset, limit, err := batchWindow(f.batchStart, f.batchEnd)
	if err != nil {
		return generation.BatchOptions{}, err
	}
	lengths := domain.FilterLengths(f.lengths)
	if len(lengths) == 0 {
		return generation.BatchOptions{}, errors.New("At least one valid target length must be specified")
	}
	var genders []domain.Gender
	if len(f.genders) > 0 {
		genders = domain.FilterGenders(f.genders)
		if len(genders) == 0 {
			return generation.BatchOptions{}, errors.New("At least one valid gender version must be specified")
		}
	}
	return generation.BatchOptions{
		StoryIDs:    f.stories,
		Lengths:     lengths,
		Genders:     genders,
		Offset:      offset,
		Limit:       limit,
		DryRun:      f.dryRun,
		MissingOnly: f.missingOnly,
		Delay:       f.delay,
	}, nil
}

// batchWindow переводит 1-based диапазон в смещение и лимит. Нулевые границы
// означают отсутствие ограничения с соответствующей стороны.
func batchWindow(start, end int) (offset, limit int, err error) {
	if start < 0 || end < 0 {
		return 0, 0, fmt.Errorf("batch bounds must not be negative")
	}
	if start > 0 {
		offset = start - 1
	}
	if end > 0 {
		if end < start {
			return 0, 0, fmt.Errorf("--batch-end %d is before --batch-start %d", end, start)
		}
		limit = end - offset
	}
	return offset, limit, nil
}

func enqueueGeneration(cmd *cobra.Command, ctx *commandContext, opts generation.BatchOptions) error {
	cfg := ctx.ensureConfig()
	var client redis.UniversalClient
	if cfg.RedisAddr != "" {
		c, err := cache.NewClient(cfg.RedisAddr)
		if err != nil {
			return err
		}
		defer c.Close()
		client = c
	}
	jobs, release, err := queue.Open(queue.Settings{
		Backend:   cfg.Queue.Backend,
		Key:       cfg.Queue.Key,
		RabbitURL: cfg.Queue.RabbitURL,
	}, client)
	if err != nil {
		return err
	}
	if jobs == nil {
		return errors.New("generation queue is disabled (QUEUE_BACKEND=none)")
	}
	defer release()

	job := domain.GenerationJob{
		ID:          uuid.NewString(),
		StoryIDs:    opts.StoryIDs,
		Lengths:     opts.Lengths,
		Genders:     opts.Genders,
		Offset:      opts.Offset,
		Limit:       opts.Limit,
		DryRun:      opts.DryRun,
		MissingOnly: opts.MissingOnly,
		RequestedAt: time.Now().UTC(),
		Cause:       domain.GenerationCauseManual,
	}
	if err := jobs.Enqueue(cmd.Context(), job); err != nil {
		return fmt.Errorf("enqueue: %w", err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Queued generation run %s\n", job.ID)
	return nil
}

func printStoryReport(out io.Writer, index int, r generation.StoryReport) {
	fmt.Fprintf(out, "[%d] %q (%s)\n", index, r.Title, r.StoryID)
	switch r.Outcome {
	case generation.OutcomeDryRun:
		fmt.Fprintf(out, "  [DRY RUN] would generate %d versions:", len(r.Planned))
		for _, key := range r.Planned {
			fmt.Fprintf(out, " %s", key)
		}
		fmt.Fprintln(out)
	case generation.OutcomeSkipped:
		fmt.Fprintln(out, "  nothing to generate")
	case generation.OutcomeSucceeded:
		fmt.Fprintf(out, "  generated %d versions\n", len(r.Result.Generated))
	default:
		if r.Err != nil {
			fmt.Fprintf(out, "  error: %v\n", r.Err)
			return
		}
		fmt.Fprintf(out, "  generated %d versions with %d errors:\n", len(r.Result.Generated), len(r.Result.Errors))
		for _, e := range r.Result.Errors {
			fmt.Fprintf(out, "    - %s: %s\n", e.Version, e.Message)
		}
	}
}

func printSummary(out io.Writer, s generation.BatchSummary) {
	fmt.Fprintf(out, "\nProcessed: %d\n", s.Processed)
	fmt.Fprintf(out, "Succeeded: %d\n", s.Succeeded)
	fmt.Fprintf(out, "Partial:   %d\n", s.Partial)
	fmt.Fprintf(out, "Failed:    %d\n", s.Failed)
	fmt.Fprintf(out, "Skipped:   %d\n", s.Skipped)
	fmt.Fprintf(out, "Versions:  %d generated, %d errors\n", s.Generated, s.Errors)
	if s.Stopped {
		fmt.Fprintln(out, "Stopped before all stories were processed")
	}
	fmt.Fprintf(out, "Duration:  %s\n", s.Duration.Round(time.Millisecond))
}

func yesNo(v bool) string {
	if v {
		return "yes"
	}
	return "no"
}
