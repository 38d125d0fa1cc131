package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/mattjoyce/forkpool/internal/config"
)

func newConfigCmd(g *globalOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect the configuration",
	}

	check := &cobra.Command{
		Use:   "check",
		Short: "Validate the configuration and print its fingerprint",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := g.load()
			if err != nil {
				return err
			}
			hash, err := config.Fingerprint(cfg)
			if err != nil {
				return fmt.Errorf("fingerprint: %w", err)
			}
			source := cfg.SourcePath
			if source == "" {
				source = "(built-in defaults)"
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "config: %s\n", source)
			fmt.Fprintf(out, "fingerprint: %s\n", hash)
			fmt.Fprintf(out, "pool: max_fork=%d max_exec=%d max_attempts=%d\n", cfg.Pool.MaxFork, cfg.Pool.MaxExec, cfg.Pool.MaxAttempts)
			fmt.Fprintf(out, "runner: timeout=%s\n", cfg.Runner.Timeout)
			fmt.Fprintln(out, "OK")
			return nil
		},
	}

	get := &cobra.Command{
		Use:   "get <path>",
		Short: "Print a configuration value by dot path (e.g. pool.max_fork)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := g.load()
			if err != nil {
				return err
			}
			v, err := cfg.GetPath(args[0])
			if err != nil {
				return err
			}
			if s, ok := v.(string); ok {
				fmt.Fprintln(cmd.OutOrStdout(), s)
				return nil
			}
			out, err := yaml.Marshal(v)
			if err != nil {
				return err
			}
			fmt.Fprint(cmd.OutOrStdout(), string(out))
			return nil
		},
	}

	cmd.AddCommand(check, get)
	return cmd
}
