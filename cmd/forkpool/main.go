package main

import (
	"fmt"
	"io"
	"os"
	"runtime/debug"
	"strings"

	"github.com/spf13/cobra"

	"github.com/mattjoyce/forkpool/internal/config"
	"github.com/mattjoyce/forkpool/internal/log"
	"github.com/mattjoyce/forkpool/internal/oscmd"
)

var (
	version   = "0.1.0-dev"
	gitCommit = "unknown"
	buildDate = "unknown"
)

func main() {
	os.Exit(runCLI(os.Args[1:], os.Stdin, os.Stdout, os.Stderr))
}

// runCLI executes the command tree and maps errors to an exit status.
func runCLI(args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	root := newRootCmd()
	root.SetArgs(args)
	root.SetIn(stdin)
	root.SetOut(stdout)
	root.SetErr(stderr)
	if err := root.Execute(); err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	return 0
}

// globalOptions are the persistent flags shared by every subcommand.
type globalOptions struct {
	configPath string
	logLevel   string
}

func newRootCmd() *cobra.Command {
	g := &globalOptions{}
	root := &cobra.Command{
		Use:   "forkpool",
		Short: "Persistent worker pool and synchronous command runner",
		Long: `forkpool off-loads jobs to a pool of long-running worker processes over
pipes, and runs external commands synchronously with a polling timeout.

Jobs are one JSON object per line: {"c":"<command>", ...payload}.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&g.configPath, "config", "", "Path to forkpool.yaml (default: discovered)")
	root.PersistentFlags().StringVar(&g.logLevel, "log-level", "", "Override service.log_level (debug, info, warn, error)")

	root.AddCommand(
		newServeCmd(g),
		newWorkerCmd(g),
		newExecCmd(g),
		newRunCmd(g),
		newSubmitCmd(),
		newPoolCmd(),
		newConfigCmd(g),
		newDoctorCmd(g),
		newJournalCmd(g),
		newVersionCmd(),
	)
	return root
}

// load resolves and loads the configuration, then initializes logging.
func (g *globalOptions) load() (*config.Config, error) {
	cfg, err := config.LoadOrDefaults(g.configPath)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	level := cfg.Service.LogLevel
	if g.logLevel != "" {
		level = g.logLevel
	}
	log.Setup(level)
	return cfg, nil
}

// selfCommand returns the shell line that re-invokes this binary with sub,
// carrying the config path so children see the same settings.
func selfCommand(cfg *config.Config, sub string) (string, error) {
	exe, err := os.Executable()
	if err != nil {
		return "", fmt.Errorf("resolve executable: %w", err)
	}
	line := oscmd.Quote(exe) + " " + sub
	if cfg.SourcePath != "" {
		line += " --config " + oscmd.Quote(cfg.SourcePath)
	}
	return line, nil
}

type versionInfo struct {
	Version   string `json:"version"`
	Commit    string `json:"commit"`
	BuildTime string `json:"build_time"`
}

func currentVersionInfo() versionInfo {
	info := versionInfo{
		Version:   strings.TrimSpace(version),
		Commit:    gitCommit,
		BuildTime: buildDate,
	}
	if info.Version == "" {
		info.Version = "0.0.0-dev"
	}

	if bi, ok := debug.ReadBuildInfo(); ok {
		for _, s := range bi.Settings {
			switch s.Key {
			case "vcs.revision":
				if info.Commit == "unknown" && s.Value != "" {
					info.Commit = s.Value
				}
			case "vcs.time":
				if info.BuildTime == "unknown" && s.Value != "" {
					info.BuildTime = s.Value
				}
			}
		}
	}
	return info
}

func newVersionCmd() *cobra.Command {
	var jsonOut bool
	cmd := &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			info := currentVersionInfo()
			if jsonOut {
				return writeJSON(cmd.OutOrStdout(), info)
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "forkpool %s\n", info.Version)
			fmt.Fprintf(out, "commit: %s\n", info.Commit)
			fmt.Fprintf(out, "built_at: %s\n", info.BuildTime)
			return nil
		},
	}
	cmd.Flags().BoolVar(&jsonOut, "json", false, "Output version metadata as JSON")
	return cmd
}
