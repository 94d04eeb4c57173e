package main

import (
	"fmt"
	"time"

	"github.com/kr/pretty"
	"github.com/spf13/cobra"

	"github.com/SimplyPrint/calypso-agent/internal/config"
	"github.com/SimplyPrint/calypso-agent/internal/core"
	"github.com/SimplyPrint/calypso-agent/internal/reader"
)

type readersOptions struct {
	Identify bool
	Wait     time.Duration
}

func newReadersCommand(root *rootOptions) *cobra.Command {
	opts := &readersOptions{}

	cmd := &cobra.Command{
		Use:   "readers",
		Short: "List PC/SC readers and identify the cards on them",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(root.ConfigPath)
			if err != nil {
				return err
			}
			setupLogging(cfg)
			out := cmd.OutOrStdout()

			svc := reader.NewService(nil)
			readers, err := svc.ListReaders()
			if err != nil {
				return err
			}
			if len(readers) == 0 {
				fmt.Fprintln(out, "No readers found")
				return nil
			}
			runner := core.NewRunner(core.WithBufferSize(cfg.Session.BufferSize))
			for _, r := range readers {
				fmt.Fprintf(out, "[%s] %s (%s)\n", r.ID, r.Name, r.Type)
				if !opts.Identify || r.Type != "card" {
					continue
				}
				if opts.Wait > 0 {
					if err := svc.WaitForCard(cmd.Context(), r.Name, opts.Wait); err != nil {
						fmt.Fprintf(out, "    %v\n", err)
						continue
					}
				}
				info, err := runner.Identify(svc.Transport(r.Name))
				if err != nil {
					fmt.Fprintf(out, "    %v\n", err)
					continue
				}
				pretty.Fprintf(out, "    %# v\n", info)
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&opts.Identify, "identify", false, "select the Calypso application on each card reader")
	cmd.Flags().DurationVar(&opts.Wait, "wait", 0, "wait this long for a card before identifying")

	return cmd
}
