package main

import (
	"context"
	"fmt"
	"io"
	"strconv"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/csims/csims/internal/ledger"
	"github.com/csims/csims/jobs"
)

type integrityRunner interface {
	Run(ctx context.Context) ([]ledger.Discrepancy, error)
}

func newIntegrityCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "integrity",
		Short: "Compare every account balance with its transaction history",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			e, err := openEnv(cmd.Context(), true)
			if err != nil {
				return err
			}
			defer e.close()
			return runIntegrity(cmd.Context(), &jobs.IntegrityJob{Ledger: e.services.Ledger, Logger: e.logger}, cmd.OutOrStdout())
		},
	}
}

func runIntegrity(ctx context.Context, r integrityRunner, out io.Writer) error {
	found, err := r.Run(ctx)
	if err != nil {
		return err
	}
	if len(found) == 0 {
		pterm.Success.WithWriter(out).Println("all balances match their history")
		return nil
	}
	data := pterm.TableData{{"Account", "Balance", "Expected"}}
	for _, d := range found {
		data = append(data, []string{strconv.FormatInt(d.AccountID, 10), d.Balance.StringFixed(2), d.Expected.StringFixed(2)})
	}
	if err := pterm.DefaultTable.WithHasHeader().WithWriter(out).WithData(data).Render(); err != nil {
		return err
	}
	return fmt.Errorf("%d account(s) out of balance", len(found))
}
