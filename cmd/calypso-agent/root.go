package main

import (
	"fmt"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/SimplyPrint/calypso-agent/internal/api"
	"github.com/SimplyPrint/calypso-agent/internal/config"
	"github.com/SimplyPrint/calypso-agent/internal/service"
)

// rootOptions holds global flags for all commands.
type rootOptions struct {
	ConfigPath string
}

func newRootCommand() *cobra.Command {
	opts := &rootOptions{}

	cmd := &cobra.Command{
		Use:   "calypso-agent",
		Short: "Calypso Agent - local secure session transaction service",
		Long: `Calypso Agent runs authenticated read, write, counter and stored-value
transactions on Calypso cards through PC/SC readers, signing them with
software or hardware security modules.

Environment variables:
  ` + config.EnvConfig + `    Config file (default: none)
  ` + config.EnvHost + `      Host to bind to (default: 127.0.0.1)
  ` + config.EnvPort + `      Port to listen on (default: 32146)
  ` + config.EnvLogLevel + ` Log level (debug, info, warn, error)`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.PersistentFlags().StringVarP(&opts.ConfigPath, "config", "c", "", "path to YAML config file")

	cmd.AddCommand(newServeCommand(opts))
	cmd.AddCommand(newDemoCommand())
	cmd.AddCommand(newReadersCommand(opts))
	cmd.AddCommand(newVersionCommand())
	cmd.AddCommand(newServiceCommands(opts)...)

	return cmd
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "calypso-agent %s\n", api.Version)
			fmt.Fprintf(out, "Build time: %s\n", api.BuildTime)
			fmt.Fprintf(out, "Git commit: %s\n", api.GitCommit)
		},
	}
}

// newServiceCommands returns install, uninstall and status.
func newServiceCommands(opts *rootOptions) []*cobra.Command {
	svc := func() (service.Service, error) {
		o := service.Options{}
		if opts.ConfigPath != "" {
			abs, err := filepath.Abs(opts.ConfigPath)
			if err != nil {
				return nil, err
			}
			o.ConfigPath = abs
		}
		return service.New(o), nil
	}

	install := &cobra.Command{
		Use:   "install",
		Short: "Install the auto-start service",
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := svc()
			if err != nil {
				return err
			}
			if err := s.Install(); err != nil {
				return fmt.Errorf("failed to install service: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), "Auto-start service installed successfully")
			return nil
		},
	}
	uninstall := &cobra.Command{
		Use:   "uninstall",
		Short: "Remove the auto-start service",
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := svc()
			if err != nil {
				return err
			}
			if err := s.Uninstall(); err != nil {
				return fmt.Errorf("failed to uninstall service: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), "Auto-start service removed successfully")
			return nil
		},
	}
	status := &cobra.Command{
		Use:   "status",
		Short: "Show the auto-start service status",
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := svc()
			if err != nil {
				return err
			}
			st, err := s.Status()
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), st)
			return nil
		},
	}
	return []*cobra.Command{install, uninstall, status}
}
