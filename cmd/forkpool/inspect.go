package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/mattjoyce/forkpool/internal/doctor"
	"github.com/mattjoyce/forkpool/internal/inspect"
	"github.com/mattjoyce/forkpool/internal/journal"
	"github.com/mattjoyce/forkpool/internal/storage"
)

func newDoctorCmd(g *globalOptions) *cobra.Command {
	var jsonOut bool
	cmd := &cobra.Command{
		Use:   "doctor",
		Short: "Check the configuration against this host",
		Long: `Checks that configured programs and commands can be started, that the
working, log and journal directories are usable, and flags risky settings.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := g.load()
			if err != nil {
				return err
			}
			r := doctor.New(cfg).Validate()
			if jsonOut {
				out, err := doctor.FormatJSON(r)
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), out)
			} else {
				fmt.Fprint(cmd.OutOrStdout(), doctor.FormatHuman(r))
			}
			if !r.Valid {
				return fmt.Errorf("doctor found %d error(s)", len(r.Errors))
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&jsonOut, "json", false, "Output the result as JSON")
	return cmd
}

func newJournalCmd(g *globalOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "journal",
		Short: "Read the dispatch journal",
	}

	var (
		limit   int
		listRaw bool
	)
	list := &cobra.Command{
		Use:   "list",
		Short: "List recent dispatches, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			j, closeDB, err := openJournal(cmd, g)
			if err != nil {
				return err
			}
			defer closeDB()

			entries, err := j.Recent(cmd.Context(), limit)
			if err != nil {
				return err
			}
			if listRaw {
				return writeJSON(cmd.OutOrStdout(), entries)
			}
			renderEntries(cmd.OutOrStdout(), entries)
			return nil
		},
	}
	list.Flags().IntVarP(&limit, "limit", "n", 20, "Number of entries")
	list.Flags().BoolVar(&listRaw, "json", false, "Output raw JSON")

	var inspectJSON bool
	show := &cobra.Command{
		Use:   "inspect <id>",
		Short: "Show one dispatch with the lifetime of its worker",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			j, closeDB, err := openJournal(cmd, g)
			if err != nil {
				return err
			}
			defer closeDB()

			build := inspect.BuildReport
			if inspectJSON {
				build = inspect.BuildJSONReport
			}
			out, err := build(cmd.Context(), j, args[0])
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), out)
			return nil
		},
	}
	show.Flags().BoolVar(&inspectJSON, "json", false, "Output the report as JSON")

	cmd.AddCommand(list, show)
	return cmd
}

// openJournal opens the configured journal database for reading.
func openJournal(cmd *cobra.Command, g *globalOptions) (*journal.Journal, func(), error) {
	cfg, err := g.load()
	if err != nil {
		return nil, nil, err
	}
	if !cfg.Journal.Enabled {
		return nil, nil, fmt.Errorf("journal is disabled (set journal.enabled)")
	}
	db, err := storage.OpenSQLite(cmd.Context(), cfg.Journal.Path)
	if err != nil {
		return nil, nil, fmt.Errorf("open journal: %w", err)
	}
	return journal.New(db), func() { _ = db.Close() }, nil
}
