package main

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/mtr002/devboard-queue/internal/interfaces"
	"github.com/mtr002/devboard-queue/internal/jobs"
)

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func migrateCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply database migrations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := migrate(cmd.Context(), flags); err != nil {
				return err
			}
			fmt.Println("Migrations applied.")
			return nil
		},
	}
}

func enqueueCmd(flags *globalFlags) *cobra.Command {
	var (
		payload     string
		priority    int
		maxAttempts int
		delay       time.Duration
	)

	cmd := &cobra.Command{
		Use:   "enqueue <job-type>",
		Short: "Add a job to the queue",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var p interfaces.Payload
			if payload != "" {
				if err := json.Unmarshal([]byte(payload), &p); err != nil {
					return fmt.Errorf("invalid payload JSON: %w", err)
				}
			}
			opts := jobs.CreateOptions{Priority: priority, MaxAttempts: maxAttempts}
			if delay > 0 {
				at := time.Now().Add(delay)
				opts.ScheduledAt = &at
			}

			q, err := openQueue(cmd.Context(), flags)
			if err != nil {
				return err
			}
			defer q.Close()

			job, err := q.Enqueue(cmd.Context(), interfaces.JobType(args[0]), p, opts)
			if err != nil {
				return err
			}
			return printJSON(job)
		},
	}
	cmd.Flags().StringVarP(&payload, "payload", "p", "", "job payload as a JSON object")
	cmd.Flags().IntVar(&priority, "priority", 0, "higher runs first")
	cmd.Flags().IntVar(&maxAttempts, "max-attempts", 0, "attempt cap (0 uses the configured default)")
	cmd.Flags().DurationVar(&delay, "delay", 0, "delay before the job becomes eligible")
	return cmd
}

func getCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "get <job-id>",
		Short: "Show a job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			q, err := openQueue(cmd.Context(), flags)
			if err != nil {
				return err
			}
			defer q.Close()

			job, err := q.GetJob(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printJSON(job)
		},
	}
}

func statsCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show job counts by status and type",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			q, err := openQueue(cmd.Context(), flags)
			if err != nil {
				return err
			}
			defer q.Close()

			stats, err := q.Stats(cmd.Context())
			if err != nil {
				return err
			}
			return printJSON(stats)
		},
	}
}

func drainCmd(flags *globalFlags) *cobra.Command {
	var (
		limit int
		types []string
	)

	cmd := &cobra.Command{
		Use:   "drain",
		Short: "Process up to --limit eligible jobs and exit",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			jobTypes, err := interfaces.ParseJobTypes(types)
			if err != nil {
				return err
			}

			q, err := openQueue(cmd.Context(), flags)
			if err != nil {
				return err
			}
			defer q.Close()

			res, err := q.Drain(cmd.Context(), limit, jobTypes...)
			if res != nil {
				if perr := printJSON(res); perr != nil {
					return perr
				}
			}
			return err
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 10, "maximum jobs to process")
	cmd.Flags().StringSliceVarP(&types, "types", "t", nil, "only process these job types")
	return cmd
}

func cleanupCmd(flags *globalFlags) *cobra.Command {
	var days int

	cmd := &cobra.Command{
		Use:   "cleanup",
		Short: "Delete completed and failed jobs older than --days",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			q, err := openQueue(cmd.Context(), flags)
			if err != nil {
				return err
			}
			defer q.Close()

			n, err := q.Cleanup(cmd.Context(), days)
			if err != nil {
				return err
			}
			fmt.Printf("Deleted %d jobs.\n", n)
			return nil
		},
	}
	cmd.Flags().IntVar(&days, "days", 30, "retention in days")
	return cmd
}

func retryFailedCmd(flags *globalFlags) *cobra.Command {
	var maxRetries int

	cmd := &cobra.Command{
		Use:   "retry-failed",
		Short: "Move failed jobs with fewer than --max-retries attempts back to retrying",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			q, err := openQueue(cmd.Context(), flags)
			if err != nil {
				return err
			}
			defer q.Close()

			n, err := q.RetryFailed(cmd.Context(), maxRetries)
			if err != nil {
				return err
			}
			fmt.Printf("Reset %d jobs.\n", n)
			return nil
		},
	}
	cmd.Flags().IntVar(&maxRetries, "max-retries", jobs.DefaultMaxAttempts, "attempt threshold")
	return cmd
}

func reclaimCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "reclaim",
		Short: "Release processing jobs whose lease has expired",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if flags.grpcAddr != "" {
				return errRemoteUnsupported
			}
			a, err := openApp(cmd.Context(), flags)
			if err != nil {
				return err
			}
			defer a.Close()

			n, err := a.Processor.ReclaimExpired(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Printf("Reclaimed %d jobs.\n", n)
			return nil
		},
	}
}
