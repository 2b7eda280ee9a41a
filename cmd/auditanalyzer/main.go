package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/kirkpatrickprice/auditkit"
	"github.com/spf13/cobra"
)

var (
	confPath        string
	startDir        string
	filespec        string
	outPath         string
	listAuditConfig bool
	listSections    bool
	listSourceFiles bool
	listSystems     bool
	verbose         bool
	maxWorkers      int
	version         = "dev"
)

func main() {
	os.Exit(run())
}

func run() int {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return exitCodeFor(err)
	}
	return 0
}

// exitCodeFor maps the error taxonomy to the CLI's documented exit codes:
// 0 success, 1 configuration/validation error, 2 runtime error, 130
// interrupted.
func exitCodeFor(err error) int {
	switch {
	case errors.As(err, new(*auditkit.ConfigError)):
		return 1
	case errors.As(err, new(*auditkit.InterruptedError)), errors.Is(err, context.Canceled):
		return 130
	default:
		return 2
	}
}

var rootCmd = &cobra.Command{
	Use:   "auditanalyzer",
	Short: "Analyzes KirkpatrickPrice-style audit collector reports",
	Long: `auditanalyzer scans plain-text system audit reports collected by the
KPWINAUDIT/KPNIXAUDIT/KPMACAUDIT scripts, classifies each report's source
system, runs a configurable YAML library of named regex searches against
every applicable report, and writes the aggregated results grouped by OS
family for downstream reporting.`,
}

var scriptsCmd = &cobra.Command{
	Use:   "scripts",
	Short: "Run the search library against a directory of collector reports",
	RunE:  runScripts,
}

func init() {
	scriptsCmd.Flags().StringVar(&confPath, "conf", "", "path to the root search-library YAML file")
	scriptsCmd.Flags().StringVar(&startDir, "start-dir", ".", "directory to scan for collector reports")
	scriptsCmd.Flags().StringVar(&filespec, "filespec", "*", "glob matched against report file names")
	scriptsCmd.Flags().StringVar(&outPath, "out-path", "", "path for rendered results (text/JSON; the workbook writer is a separate tool)")
	scriptsCmd.Flags().BoolVar(&listAuditConfig, "list-audit-configs", false, "print the loaded search library and exit")
	scriptsCmd.Flags().BoolVar(&listSections, "list-sections", false, "print the names of every loaded search and exit")
	scriptsCmd.Flags().BoolVar(&listSourceFiles, "list-source-files", false, "print every discovered report file and exit")
	scriptsCmd.Flags().BoolVar(&listSystems, "list-systems", false, "print every detected system and exit")
	scriptsCmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "enable debug-level logging")
	scriptsCmd.Flags().IntVarP(&maxWorkers, "max-workers", "p", 4, "maximum worker count; 1 disables parallelism")
	scriptsCmd.MarkFlagRequired("conf")

	rootCmd.AddCommand(scriptsCmd)
	rootCmd.AddCommand(versionCmd)
}

func runScripts(cmd *cobra.Command, args []string) error {
	opts := []auditkit.Option{
		auditkit.WithMaxWorkers(maxWorkers),
		auditkit.WithFilespec(filespec),
		auditkit.WithDefaultConfigDir(filepath.Dir(confPath)),
	}

	if listSections || listAuditConfig {
		configs, err := auditkit.LoadSearchLibrary(confPath, filepath.Dir(confPath))
		if err != nil {
			return err
		}
		if listAuditConfig {
			return json.NewEncoder(os.Stdout).Encode(configs)
		}
		for _, cfg := range configs {
			fmt.Println(cfg.Name)
		}
		return nil
	}

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()
	go cancelOnInterrupt(cancel)

	opts = append(opts, auditkit.WithProgressCallback(func(done, total int) {
		if verbose {
			fmt.Fprintf(os.Stderr, "progress: %d/%d systems analyzed\n", done, total)
		}
	}))

	report, err := auditkit.Analyze(ctx, startDir, confPath, opts...)
	if err != nil {
		return err
	}
	if ctx.Err() != nil {
		// interrupted: Analyze kept partial rows and returned no error
		return ctx.Err()
	}

	if listSourceFiles {
		for _, sys := range report.Systems {
			fmt.Println(sys.FilePath)
		}
		return nil
	}
	if listSystems {
		for _, sys := range report.Systems {
			fmt.Printf("%s\t%s\t%s\n", sys.SystemID, sys.OSFamily, sys.FilePath)
		}
		return nil
	}

	return renderReport(report)
}

// cancelOnInterrupt cancels ctx on the first SIGINT/SIGTERM. The Scheduler
// (run internally by Analyze) then stops dispatching units and stops
// in-flight ones at their next line boundary; runScripts returns ctx.Err(),
// which exitCodeFor maps to 130. Any further signals are ignored since
// cancel is idempotent.
func cancelOnInterrupt(cancel context.CancelFunc) {
	signals := make(chan os.Signal, 1)
	signal.Notify(signals, os.Interrupt, syscall.SIGTERM)
	<-signals
	cancel()
}

// renderReport writes report as text (default) or JSON (when out-path ends
// in .json).
func renderReport(report *auditkit.Report) error {
	w := os.Stdout
	if outPath != "" {
		f, err := os.Create(outPath)
		if err != nil {
			return &auditkit.IoError{FilePath: outPath, Op: "create", Underlying: err}
		}
		defer f.Close()
		w = f
	}

	if outPath != "" && filepath.Ext(outPath) == ".json" {
		return json.NewEncoder(w).Encode(report.Results)
	}

	for _, fam := range report.Results {
		fmt.Fprintf(w, "=== %s ===\n", fam.OSFamily)
		for _, bundle := range fam.Results {
			fmt.Fprintf(w, "  %s: %d rows across %d systems\n",
				bundle.SearchConfig.Name, bundle.ResultCount(), bundle.UniqueSystems())
			for _, row := range bundle.Results {
				fmt.Fprintf(w, "    %s:%d: %s\n", row.SystemName, row.LineNumber, row.MatchedText)
			}
		}
	}
	return nil
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("auditanalyzer %s\n", version)
	},
}
