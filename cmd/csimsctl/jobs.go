package main

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/hibiken/asynq"
	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/csims/csims/internal/app"
	"github.com/csims/csims/jobs"
)

// JobsCLI wraps manual management helpers for Asynq jobs.
type JobsCLI struct {
	client    *jobs.Client
	inspector *asynq.Inspector
}

// NewJobsCLI initialises the CLI helpers for the given redis endpoint.
func NewJobsCLI(opts asynq.RedisClientOpt) (*JobsCLI, error) {
	client, err := jobs.NewClient(opts)
	if err != nil {
		return nil, err
	}
	return &JobsCLI{client: client, inspector: asynq.NewInspector(opts)}, nil
}

// Close releases underlying resources.
func (c *JobsCLI) Close() error {
	var errs []error
	if c.inspector != nil {
		errs = append(errs, c.inspector.Close())
	}
	if c.client != nil {
		errs = append(errs, c.client.Close())
	}
	return errors.Join(errs...)
}

// Trigger enqueues a supported job by name with its default payload.
func (c *JobsCLI) Trigger(ctx context.Context, name string) (*asynq.TaskInfo, error) {
	if c == nil || c.client == nil {
		return nil, errors.New("jobs cli: client not configured")
	}
	switch name {
	case jobs.TaskPostInterest:
		return c.client.EnqueuePostInterest(ctx, time.Now())
	case jobs.TaskIntegrityCheck:
		return c.client.EnqueueIntegrityCheck(ctx)
	default:
		return nil, fmt.Errorf("jobs cli: unsupported job %s", name)
	}
}

// QueueStats summarises the current queue state.
type QueueStats struct {
	Queue     string
	Pending   int
	Active    int
	Scheduled int
	Retry     int
	Archived  int
}

// InspectQueue reports the queue metrics for the default queue.
func (c *JobsCLI) InspectQueue(ctx context.Context) (QueueStats, error) {
	if c == nil || c.inspector == nil {
		return QueueStats{}, errors.New("jobs cli: inspector not configured")
	}
	stats := QueueStats{Queue: jobs.QueueDefault}
	info, err := c.inspector.GetQueueInfo(jobs.QueueDefault)
	if errors.Is(err, asynq.ErrQueueNotFound) {
		return stats, nil
	}
	if err != nil {
		return QueueStats{}, err
	}
	stats.Pending = info.Pending
	stats.Active = info.Active
	stats.Scheduled = info.Scheduled
	stats.Retry = info.Retry
	stats.Archived = info.Archived
	return stats, nil
}

func withJobsCLI(cmd *cobra.Command, fn func(*JobsCLI) error) error {
	cfg, err := app.LoadToolConfig()
	if err != nil {
		return err
	}
	c, err := NewJobsCLI(cfg.RedisOptions().AsynqOpt())
	if err != nil {
		return err
	}
	defer c.Close()
	return fn(c)
}

func newJobsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "jobs",
		Short: "Inspect and trigger background jobs",
	}
	stats := &cobra.Command{
		Use:   "stats",
		Short: "Show default queue counters",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withJobsCLI(cmd, func(c *JobsCLI) error {
				s, err := c.InspectQueue(cmd.Context())
				if err != nil {
					return err
				}
				return pterm.DefaultTable.WithHasHeader().WithWriter(cmd.OutOrStdout()).WithData(pterm.TableData{
					{"Queue", "Pending", "Active", "Scheduled", "Retry", "Archived"},
					{s.Queue, strconv.Itoa(s.Pending), strconv.Itoa(s.Active), strconv.Itoa(s.Scheduled), strconv.Itoa(s.Retry), strconv.Itoa(s.Archived)},
				}).Render()
			})
		},
	}
	trigger := &cobra.Command{
		Use:       "trigger <task>",
		Short:     "Enqueue a job now",
		Args:      cobra.ExactArgs(1),
		ValidArgs: []string{jobs.TaskPostInterest, jobs.TaskIntegrityCheck},
		RunE: func(cmd *cobra.Command, args []string) error {
			return withJobsCLI(cmd, func(c *JobsCLI) error {
				info, err := c.Trigger(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				pterm.Success.Printf("enqueued %s as %s\n", info.Type, info.ID)
				return nil
			})
		},
	}
	cmd.AddCommand(stats, trigger)
	return cmd
}
