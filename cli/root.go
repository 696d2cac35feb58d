package main

import (
	"fmt"
	"strings"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/sliverarmory/nativepatch"
	"github.com/sliverarmory/nativepatch/internal/config"
	"github.com/sliverarmory/nativepatch/internal/logging"
)

var (
	inputPath  string
	outputPath string
	configPath string
	marker     string
	reportPath string
	logLevel   string
	logJSON    bool
	dryRun     bool
)

var (
	methodColor = color.New(color.FgCyan)
	okColor     = color.New(color.FgGreen, color.Bold)
	dryColor    = color.New(color.FgYellow, color.Bold)
)

var rootCmd = &cobra.Command{
	Use:          "nativepatch --input <module>",
	Short:        "Rewrite marked managed methods into direct calls through native function pointers",
	Args:         cobra.NoArgs,
	SilenceUsage: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := settings(cmd)
		if err != nil {
			return err
		}

		logCfg := logging.DefaultConfig()
		logCfg.Level = cfg.LogLevel
		logCfg.Pretty = !cfg.LogJSON
		logCfg.Output = cmd.ErrOrStderr()
		logger := logging.NewWithComponent(logCfg, "nativepatch")

		report, err := nativepatch.Run(nativepatch.Options{
			Input:  inputPath,
			Output: outputPath,
			Marker: cfg.Marker,
			DryRun: dryRun,
			Report: cfg.Report,
			Logger: logger,
		})
		if err != nil {
			return err
		}
		printSummary(cmd, report)
		return nil
	},
}

// settings layers explicitly set flags over the config file, or over the
// defaults when there is none.
func settings(cmd *cobra.Command) (config.Config, error) {
	cfg := config.Default()
	if configPath != "" {
		loaded, err := config.Load(configPath)
		if err != nil {
			return config.Config{}, err
		}
		cfg = loaded
	}

	flags := cmd.Flags()
	if flags.Changed("marker") {
		cfg.Marker = marker
	}
	if flags.Changed("log-level") {
		cfg.LogLevel = logLevel
	}
	if flags.Changed("log-json") {
		cfg.LogJSON = logJSON
	}
	if flags.Changed("report") {
		cfg.Report = reportPath
	}
	return cfg, cfg.Validate()
}

func printSummary(cmd *cobra.Command, report *nativepatch.Report) {
	out := cmd.OutOrStdout()
	for _, method := range report.Methods {
		fmt.Fprintf(out, "%s -> %s\n", methodColor.Sprint(method.Method), method.CallSite)
	}
	if report.DryRun {
		dryColor.Fprintf(out, "dry run: %d method(s) would be patched\n", len(report.Methods))
		return
	}
	okColor.Fprintf(out, "patched %d method(s)", len(report.Methods))
	fmt.Fprintf(out, " into %s (xxh3 %s)\n", report.Output, report.Digest)
}

func init() {
	flags := rootCmd.Flags()
	flags.StringVar(&inputPath, "input", "", "Module to patch")
	flags.StringVar(&outputPath, "output", "", "Destination module; patches the input in place when empty")
	flags.StringVar(&configPath, "config", "", "Optional TOML configuration file")
	flags.StringVar(&marker, "marker", "", "Marker attribute name, full or simple (default "+config.Default().Marker+")")
	flags.StringVar(&reportPath, "report", "", "Write a YAML report of the run to this path")
	flags.StringVar(&logLevel, "log-level", "", "Log level: "+strings.Join(logging.LevelNames(), ", "))
	flags.BoolVar(&logJSON, "log-json", false, "Log JSON lines instead of console output")
	flags.BoolVar(&dryRun, "dry-run", false, "Scan and report without writing the module")
	_ = rootCmd.MarkFlagRequired("input")
}
