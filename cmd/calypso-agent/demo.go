package main

import (
	"context"
	"encoding/hex"
	"fmt"
	"io"

	"github.com/kr/pretty"
	"github.com/spf13/cobra"

	"github.com/SimplyPrint/calypso-agent/internal/calypso"
	"github.com/SimplyPrint/calypso-agent/internal/core"
	"github.com/SimplyPrint/calypso-agent/internal/journal"
	"github.com/SimplyPrint/calypso-agent/internal/logging"
	"github.com/SimplyPrint/calypso-agent/internal/sam"
	"github.com/SimplyPrint/calypso-agent/internal/stubcard"
)

// demoKeys are the master keys shared by the simulated card and module.
var demoKeys = sam.Keys{
	calypso.LevelPersonalization: []byte("demo-personalization-key"),
	calypso.LevelLoad:            []byte("demo-load-master-key"),
	calypso.LevelDebit:           []byte("demo-debit-master-key"),
}

type demoOptions struct {
	Balance         string
	Amount          string
	BufferSize      int
	MultipleSession bool
	Verbose         bool
}

func newDemoCommand() *cobra.Command {
	opts := &demoOptions{}

	cmd := &cobra.Command{
		Use:   "demo",
		Short: "Run sample transactions against a simulated card",
		Long: `Run a contract load session and a stored-value debit session against a
simulated Calypso card and software security module, then print the card
image and the transaction journal.

Example:
  calypso-agent demo --balance 20.00 --amount 3.40
  calypso-agent demo --buffer 100 --multiple-session`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDemo(cmd.Context(), cmd.OutOrStdout(), opts)
		},
	}

	cmd.Flags().StringVar(&opts.Balance, "balance", "10.00", "initial stored-value balance")
	cmd.Flags().StringVar(&opts.Amount, "amount", "1.50", "amount to debit")
	cmd.Flags().IntVar(&opts.BufferSize, "buffer", 0, "card modification buffer size (0 keeps the card's)")
	cmd.Flags().BoolVar(&opts.MultipleSession, "multiple-session", false, "split sessions that overflow the buffer")
	cmd.Flags().BoolVarP(&opts.Verbose, "verbose", "v", false, "print APDU transcripts")

	return cmd
}

func runDemo(ctx context.Context, out io.Writer, opts *demoOptions) error {
	logging.Init(200, logging.LevelWarn)

	parser := core.NewRunner(core.WithSvScale(2))
	balance, err := parser.ParseAmount(opts.Balance)
	if err != nil {
		return err
	}

	card := stubcard.New(
		stubcard.WithMasterKeys(demoKeys),
		stubcard.WithStoredValue(balance, true),
		stubcard.WithRecord(0x07, 1, []byte("ENV-2026")),
		stubcard.WithCounter(0x19, 1, 3),
	)
	store, err := journal.Open(":memory:")
	if err != nil {
		return err
	}
	defer store.Close()

	runner := core.NewRunner(
		core.WithModule(sam.NewSoftware("demo", demoKeys)),
		core.WithRecorder(store),
		core.WithSvScale(2),
		core.WithBufferSize(opts.BufferSize),
		core.WithMultipleSession(opts.MultipleSession),
	)

	contract := hex.EncodeToString([]byte("MONTHLY PASS 2026-10"))
	requests := []struct {
		title string
		req   core.Request
	}{
		{"Contract load", core.Request{
			Level: "load",
			Steps: []core.Step{
				{Op: core.OpRead, SFI: 0x07, Record: 1},
				{Op: core.OpUpdate, SFI: 0x08, Record: 1, Data: contract},
				{Op: core.OpAppend, SFI: 0x08, Data: hex.EncodeToString([]byte("LOAD 2026-10-18"))},
				{Op: core.OpIncrease, SFI: 0x19, Counter: 1, Value: 30},
			},
		}},
		{"Stored-value debit", core.Request{
			Level: "debit",
			Steps: []core.Step{
				{Op: core.OpSvGet, SV: "debit"},
				{Op: core.OpSvDebit, Amount: opts.Amount},
			},
		}},
	}

	for _, r := range requests {
		fmt.Fprintf(out, "== %s ==\n", r.title)
		res, err := runner.Run(ctx, card, r.req)
		if err != nil {
			fmt.Fprintf(out, "failed: %v\n\n", err)
			continue
		}
		if res.Balance != "" {
			fmt.Fprintf(out, "balance: %s\n", res.Balance)
		}
		if res.Transaction != nil {
			fmt.Fprintf(out, "transaction %s: %s in %d sub-session(s)\n",
				res.Transaction.ID, res.Transaction.Outcome, res.Transaction.SubSessions)
		}
		pretty.Fprintf(out, "%# v\n\n", res.Model)
	}

	records, err := store.List(ctx, journal.Filter{})
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "== Journal (%d) ==\n", len(records))
	for _, rec := range records {
		fmt.Fprintf(out, "%s  %-5s  %-9s  %d APDUs\n", rec.FinishedAt.Format("15:04:05.000"), rec.Level, rec.Outcome, len(rec.Exchanges))
		if opts.Verbose {
			for _, ex := range rec.Exchanges {
				fmt.Fprintf(out, "  > %X\n  < %X\n", ex.Command, ex.Response)
			}
		}
	}
	return nil
}
