package main

import (
	"context"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/csims/csims/jobs"
)

type interestRunner interface {
	Run(ctx context.Context, asOf time.Time) (jobs.InterestSummary, error)
}

func newInterestCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "interest",
		Short: "Interest posting batches",
	}

	var (
		asOf    string
		enqueue bool
	)
	post := &cobra.Command{
		Use:   "post",
		Short: "Post interest on every interest-bearing account",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			day, err := parseAsOf(asOf, time.Now())
			if err != nil {
				return err
			}
			if enqueue {
				return withJobsCLI(cmd, func(c *JobsCLI) error {
					info, err := c.client.EnqueuePostInterest(cmd.Context(), day)
					if err != nil {
						return err
					}
					pterm.Success.Printf("enqueued %s as %s\n", info.Type, info.ID)
					return nil
				})
			}
			e, err := openEnv(cmd.Context(), true)
			if err != nil {
				return err
			}
			defer e.close()
			job := jobs.NewInterestPostingJob(e.services.Ledger, e.services.Idempotency, nil, e.logger)
			job.Concurrency = e.cfg.InterestConcurrency
			return runInterest(cmd.Context(), job, day, cmd.OutOrStdout())
		},
	}
	post.Flags().StringVar(&asOf, "as-of", "", "posting date (YYYY-MM-DD), defaults to today")
	post.Flags().BoolVar(&enqueue, "enqueue", false, "hand the batch to the worker instead of running it here")

	cmd.AddCommand(post)
	return cmd
}

func parseAsOf(value string, now time.Time) (time.Time, error) {
	if value == "" {
		y, m, d := now.UTC().Date()
		return time.Date(y, m, d, 0, 0, 0, 0, time.UTC), nil
	}
	day, err := time.Parse(time.DateOnly, value)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid --as-of %q, expected YYYY-MM-DD", value)
	}
	return day, nil
}

func runInterest(ctx context.Context, r interestRunner, asOf time.Time, out io.Writer) error {
	summary, err := r.Run(ctx, asOf)
	data := pterm.TableData{
		{"As of", summary.AsOf.Format(time.DateOnly)},
		{"Posted", strconv.Itoa(summary.Posted)},
		{"Skipped", strconv.Itoa(summary.Skipped)},
		{"Failed", strconv.Itoa(summary.Failed)},
	}
	if renderErr := pterm.DefaultTable.WithWriter(out).WithData(data).Render(); renderErr != nil && err == nil {
		err = renderErr
	}
	return err
}
