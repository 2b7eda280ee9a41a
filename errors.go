package auditkit

import "fmt"

// ErrorKind classifies a failure against the taxonomy the engine recovers
// from (or doesn't) at a specific granularity: load-time, per-system, or
// per-line.
type ErrorKind string

const (
	KindConfig       ErrorKind = "config"
	KindDecoding     ErrorKind = "decoding"
	KindDetection    ErrorKind = "detection"
	KindRuntimeRegex ErrorKind = "runtime_regex"
	KindIO           ErrorKind = "io"
	KindInterrupted  ErrorKind = "interrupted"
)

// ConfigError reports a fatal problem in the search-library YAML: syntax,
// schema, a cyclic include, a regex that fails to compile, or incoherent
// options. Config errors abort the whole load; there is no partial engine
// run with a bad library.
type ConfigError struct {
	File       string
	Section    string
	Option     string
	Underlying error
}

func (e *ConfigError) Error() string {
	switch {
	case e.Section != "" && e.Option != "":
		return fmt.Sprintf("config: %s: section %q, option %q: %v", e.File, e.Section, e.Option, e.Underlying)
	case e.Section != "":
		return fmt.Sprintf("config: %s: section %q: %v", e.File, e.Section, e.Underlying)
	default:
		return fmt.Sprintf("config: %s: %v", e.File, e.Underlying)
	}
}

func (e *ConfigError) Unwrap() error { return e.Underlying }

// DecodingError reports that a file's declared (or detected) encoding could
// not decode the body without replacement. Non-fatal for the run: the
// System carrying this file is marked errored and excluded from results.
type DecodingError struct {
	FilePath   string
	Encoding   string
	Underlying error
}

func (e *DecodingError) Error() string {
	return fmt.Sprintf("decoding: %s (encoding %s): %v", e.FilePath, e.Encoding, e.Underlying)
}

func (e *DecodingError) Unwrap() error { return e.Underlying }

// DetectionError reports that no producer marker was found within the
// header window. Treated as a warning: the System is still emitted, with
// OSFamily Undefined and this error in its Error field, so the Search
// Engine and the Result Aggregator skip it like any other errored System.
type DetectionError struct {
	FilePath string
	Reason   string
}

func (e *DetectionError) Error() string {
	return fmt.Sprintf("detection: %s: %s", e.FilePath, e.Reason)
}

// RuntimeRegexError reports a per-line failure surfaced while applying a
// search's regex (e.g. a capture-group indexing bug). Logged and skipped;
// the search continues on the next line.
type RuntimeRegexError struct {
	SystemName string
	SearchName string
	Line       int
	Underlying error
}

func (e *RuntimeRegexError) Error() string {
	return fmt.Sprintf("runtime regex: system %q, search %q, line %d: %v", e.SystemName, e.SearchName, e.Line, e.Underlying)
}

func (e *RuntimeRegexError) Unwrap() error { return e.Underlying }

// IoError reports a read failure mid-stream. Aborts analysis of the
// affected System only; any rows already collected for that system are
// discarded so results stay consistent.
type IoError struct {
	FilePath   string
	Op         string
	Underlying error
}

func (e *IoError) Error() string {
	return fmt.Sprintf("io: %s %s: %v", e.Op, e.FilePath, e.Underlying)
}

func (e *IoError) Unwrap() error { return e.Underlying }

// InterruptedError reports that the scheduler was cancelled at the
// "immediate" stage (see Scheduler.Cancel). The caller sees partial
// results for the graceful/urgent stages but a hard error here.
type InterruptedError struct {
	Stage CancelStage
}

func (e *InterruptedError) Error() string {
	return fmt.Sprintf("interrupted: stage %s", e.Stage)
}
