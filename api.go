package auditkit

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"time"
)

// Option configures an analysis run using the functional options pattern.
type Option func(*analysisOptions)

type analysisOptions struct {
	workers          int
	filespec         string
	defaultConfigDir string
	progress         ProgressFunc
	unitTimeout      time.Duration
	logger           *slog.Logger
}

func defaultAnalysisOptions() *analysisOptions {
	return &analysisOptions{
		workers:  4,
		filespec: "*",
		logger:   slog.Default(),
	}
}

// WithMaxWorkers sets the scheduler's worker pool size (the CLI's `-p N`
// flag). n <= 1 disables parallelism.
func WithMaxWorkers(n int) Option {
	return func(o *analysisOptions) {
		if n < 1 {
			n = 1
		}
		o.workers = n
	}
}

// WithFilespec sets the glob the file walker matches source file base names
// against (the CLI's `--filespec` flag). Empty or unset means "*".
func WithFilespec(glob string) Option {
	return func(o *analysisOptions) {
		if glob != "" {
			o.filespec = glob
		}
	}
}

// WithDefaultConfigDir sets the fallback directory the Search-Config Loader
// searches when an include path isn't found relative to its including file.
func WithDefaultConfigDir(dir string) Option {
	return func(o *analysisOptions) { o.defaultConfigDir = dir }
}

// WithProgressCallback installs a progress sink invoked once per analyzed
// System.
func WithProgressCallback(fn ProgressFunc) Option {
	return func(o *analysisOptions) { o.progress = fn }
}

// WithUnitTimeout sets a soft per-System analysis deadline, scoped to a
// single system rather than the whole run.
func WithUnitTimeout(d time.Duration) Option {
	return func(o *analysisOptions) { o.unitTimeout = d }
}

// WithLogger overrides the default slog.Logger used for detection
// warnings. A nil logger disables logging.
func WithLogger(logger *slog.Logger) Option {
	return func(o *analysisOptions) { o.logger = logger }
}

// Report is the end-to-end result of one Analyze call: the search library
// that was loaded, every System discovered (including errored ones, for
// bookkeeping), and the aggregated results grouped by OS family.
type Report struct {
	Configs []*SearchConfig
	Systems []*System
	Results []OSFamilyResults
}

// Analyze runs the full pipeline: discover source files under startDir
// matching the configured filespec, classify each into a System, load the
// search library rooted at configPath, schedule per-system analysis over a
// worker pool, and aggregate the results by OS family.
func Analyze(ctx context.Context, startDir, configPath string, opts ...Option) (*Report, error) {
	o := defaultAnalysisOptions()
	for _, opt := range opts {
		opt(o)
	}
	log := o.logger

	configs, err := LoadSearchLibrary(configPath, o.defaultConfigDir)
	if err != nil {
		return nil, err
	}

	files, err := discoverFiles(startDir, o.filespec)
	if err != nil {
		return nil, &IoError{FilePath: startDir, Op: "walk", Underlying: err}
	}

	systems := make([]*System, len(files))
	for i, path := range files {
		sys, err := DetectSystem(path)
		if err != nil {
			return nil, err
		}
		if sys.Error != nil && log != nil {
			log.Warn("system detection incomplete", "file", path, "error", sys.Error)
		}
		systems[i] = sys
	}

	engine := NewEngine(configs)
	sched := NewScheduler(engine,
		WithWorkers(o.workers),
		WithProgress(o.progress),
		WithSchedulerUnitTimeout(o.unitTimeout),
	)

	rows, err := sched.Run(ctx, systems)
	if err != nil {
		return &Report{Configs: configs, Systems: systems}, err
	}

	results := NewAggregator(configs).Aggregate(systems, rows)
	return &Report{Configs: configs, Systems: systems, Results: results}, nil
}

// discoverFiles walks startDir for regular files whose base name matches
// filespec (a filepath.Match glob), in a deterministic, sorted order. The
// default search-config directory is not part of this walk — it is
// resolved independently by the Loader.
func discoverFiles(startDir, filespec string) ([]string, error) {
	var files []string
	err := filepath.WalkDir(startDir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		matched, err := filepath.Match(filespec, d.Name())
		if err != nil {
			return fmt.Errorf("filespec %q: %w", filespec, err)
		}
		if matched {
			files = append(files, path)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Strings(files)
	return files, nil
}
