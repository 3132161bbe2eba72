package main

import (
	"context"
	"fmt"
	"io"
	"strconv"

	"github.com/AlecAivazis/survey/v2"
	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/csims/csims/internal/maintenance"
)

type purger interface {
	Purge(ctx context.Context, confirmation string, actorID int64) (maintenance.Report, error)
}

func newPurgeCmd() *cobra.Command {
	var confirm string
	cmd := &cobra.Command{
		Use:   "purge",
		Short: "Delete all members, accounts, transactions and approvals",
		Long: `Delete every member, account, transaction, interest posting and approval in one
database transaction. Users, roles, membership types and the audit log are kept.
This action cannot be undone.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			e, err := openEnv(cmd.Context(), true)
			if err != nil {
				return err
			}
			defer e.close()
			ask := askPhrase
			if confirm != "" {
				ask = func() (string, error) { return confirm, nil }
			}
			return runPurge(cmd.Context(), e.services.Maintenance, ask, cmd.OutOrStdout())
		},
	}
	cmd.Flags().StringVar(&confirm, "confirm", "", "confirmation phrase for non-interactive use")
	return cmd
}

func askPhrase() (string, error) {
	pterm.Warning.Println("This deletes all cooperative data and cannot be undone!")
	var answer string
	prompt := &survey.Input{
		Message: fmt.Sprintf("Type %q to continue:", maintenance.ConfirmationPhrase),
	}
	if err := survey.AskOne(prompt, &answer, surveyOpts...); err != nil {
		return "", err
	}
	return answer, nil
}

func runPurge(ctx context.Context, p purger, ask func() (string, error), out io.Writer) error {
	phrase, err := ask()
	if err != nil {
		return err
	}
	if phrase != maintenance.ConfirmationPhrase {
		return errAborted
	}
	report, err := p.Purge(ctx, phrase, 0)
	if err != nil {
		return err
	}
	data := pterm.TableData{{"Table", "Rows deleted"}}
	for _, t := range report.Tables {
		data = append(data, []string{t.Table, strconv.FormatInt(t.Rows, 10)})
	}
	data = append(data, []string{"total", strconv.FormatInt(report.Total, 10)})
	if err := pterm.DefaultTable.WithHasHeader().WithWriter(out).WithData(data).Render(); err != nil {
		return err
	}
	pterm.Success.WithWriter(out).Println("purge complete")
	return nil
}
