package main

import (
	"context"
	"errors"
	"log/slog"

	"github.com/AlecAivazis/survey/v2"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/cobra"

	"github.com/csims/csims/internal/app"
	"github.com/csims/csims/internal/platform/db"
)

// surveyOpts contains custom options for all survey prompts
var surveyOpts = []survey.AskOpt{
	survey.WithIcons(func(icons *survey.IconSet) {
		icons.Question.Text = "-"
	}),
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:           "csimsctl",
		Short:         "Operator tool for the CSIMS ledger",
		SilenceErrors: true,
		SilenceUsage:  true,
	}
	rootCmd.AddCommand(
		newMigrateCmd(),
		newPurgeCmd(),
		newInterestCmd(),
		newIntegrityCmd(),
		newSeedCmd(),
		newJobsCmd(),
	)
	return rootCmd
}

// env holds the resources a command opened. close releases them in reverse order.
type env struct {
	cfg      *app.Config
	logger   *slog.Logger
	pool     *pgxpool.Pool
	services *app.Services
}

func openEnv(ctx context.Context, withServices bool) (*env, error) {
	cfg, err := app.LoadToolConfig()
	if err != nil {
		return nil, err
	}
	e := &env{cfg: cfg, logger: app.NewLogger(cfg)}
	e.pool, err = db.New(ctx, cfg.PGDSN, db.Options{MaxConns: 4})
	if err != nil {
		return nil, err
	}
	if withServices {
		e.services, err = app.NewServices(app.ServiceDeps{Config: cfg, Pool: e.pool, Logger: e.logger})
		if err != nil {
			e.pool.Close()
			return nil, err
		}
	}
	return e, nil
}

func (e *env) close() error {
	if e == nil {
		return nil
	}
	var err error
	if e.services != nil {
		err = e.services.Close()
	}
	if e.pool != nil {
		e.pool.Close()
	}
	return err
}

// errAborted reports an operator declining a prompt.
var errAborted = errors.New("aborted by operator")
