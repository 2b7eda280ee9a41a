package auditkit

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"sort"
	"strings"
)

// errShortCircuit is returned from the per-line sink to stop a Lines pass
// early once every active search has satisfied its max_results and none
// declares full_scan or unique. It never reaches the caller of AnalyzeSystem.
var errShortCircuit = errors.New("auditkit: engine short-circuit")

// Engine runs one System's source file against a fixed set of
// SearchConfigs in a single pass, producing per-search result rows.
type Engine struct {
	configs []*SearchConfig
	logger  *slog.Logger
}

// EngineOption configures an Engine using the functional options pattern.
type EngineOption func(*Engine)

// WithEngineLogger overrides the default slog.Logger an Engine warns to
// when it recovers a runtime regex failure. A nil logger disables logging.
func WithEngineLogger(logger *slog.Logger) EngineOption {
	return func(e *Engine) { e.logger = logger }
}

// NewEngine returns an Engine bound to configs, the fully merged and
// compiled search library produced by LoadSearchLibrary.
func NewEngine(configs []*SearchConfig, opts ...EngineOption) *Engine {
	e := &Engine{configs: configs, logger: slog.Default()}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Configs returns the search library this engine was built with.
func (e *Engine) Configs() []*SearchConfig { return e.configs }

// recordAssembly buffers lines for one multiline search's record mode
// independently of every other search's buffering, since two record-mode
// searches in the same file may use different rs_delimiters and so be
// mid-record at different points.
type recordAssembly struct {
	buf        []string
	startLine  int
	haveRecord bool
}

func (r *recordAssembly) addLine(e *Engine, cfg *SearchConfig, lineNumber int, line string, systemName string, rows map[string][]SearchResult) {
	if cfg.CompiledRS != nil && r.haveRecord && cfg.CompiledRS.MatchString(line) {
		r.flush(e, cfg, systemName, rows)
	}
	if !r.haveRecord {
		r.startLine = lineNumber
		r.haveRecord = true
	}
	r.buf = append(r.buf, line)
}

func (r *recordAssembly) flush(e *Engine, cfg *SearchConfig, systemName string, rows map[string][]SearchResult) {
	if !r.haveRecord {
		return
	}
	record := strings.Join(r.buf, "\n")
	row, err := safeExtractRow(cfg, r.startLine, record, systemName)
	if err != nil {
		e.warnRuntimeRegex(err)
	} else if row != nil {
		row.SystemName = systemName
		rows[cfg.Name] = append(rows[cfg.Name], *row)
	}
	r.buf = r.buf[:0]
	r.haveRecord = false
}

// AnalyzeSystem streams sys's source file once against every SearchConfig
// whose sys_filter passes sys, producing rows keyed by search name. A
// System already marked errored (failed detection/decoding) yields no
// rows and no error — it was already accounted for upstream.
func (e *Engine) AnalyzeSystem(ctx context.Context, sys *System) (map[string][]SearchResult, error) {
	if sys.Error != nil {
		return nil, nil
	}

	candidates := e.selectCandidates(sys)
	if len(candidates) == 0 {
		return nil, nil
	}

	rows := make(map[string][]SearchResult, len(candidates))
	records := make(map[string]*recordAssembly)
	for _, cfg := range candidates {
		if cfg.Multiline {
			records[cfg.Name] = &recordAssembly{}
		}
	}

	systemName := systemDisplayName(sys)
	streamer := NewStreamer(sys.FilePath, sys.Encoding)

	err := streamer.Lines(ctx, func(lineNumber int, line string) error {
		for _, cfg := range candidates {
			if cfg.Multiline {
				records[cfg.Name].addLine(e, cfg, lineNumber, line, systemName, rows)
				continue
			}
			row, rerr := safeExtractRow(cfg, lineNumber, line, systemName)
			if rerr != nil {
				e.warnRuntimeRegex(rerr)
				continue
			}
			if row != nil {
				row.SystemName = systemName
				rows[cfg.Name] = append(rows[cfg.Name], *row)
			}
		}
		if allSatisfied(candidates, rows) {
			return errShortCircuit
		}
		return nil
	})

	if err != nil && !errors.Is(err, errShortCircuit) {
		switch err.(type) {
		case *IoError:
			// abort analysis of this system only; discard partial rows so
			// results stay consistent.
			return nil, err
		default:
			return rows, err
		}
	}

	for name, rec := range records {
		for _, cfg := range candidates {
			if cfg.Name == name {
				rec.flush(e, cfg, systemName, rows)
				break
			}
		}
	}

	for _, cfg := range candidates {
		rows[cfg.Name] = postProcess(cfg, rows[cfg.Name])
	}

	return rows, nil
}

func (e *Engine) selectCandidates(sys *System) []*SearchConfig {
	var candidates []*SearchConfig
	for _, cfg := range e.configs {
		if EvaluateFilter(cfg.SysFilter, sys) {
			candidates = append(candidates, cfg)
		}
	}
	return candidates
}

// allSatisfied reports whether every candidate has reached its
// max_results and none declares full_scan or unique, i.e. the engine can
// stop streaming this system's file early. A unique search never counts as
// satisfied here: its raw rows may still hold duplicates that postProcess
// drops, so its final count is only known at the end of the file.
func allSatisfied(candidates []*SearchConfig, rows map[string][]SearchResult) bool {
	for _, cfg := range candidates {
		if cfg.FullScan || cfg.Unique {
			return false
		}
		if cfg.MaxResults <= 0 || len(rows[cfg.Name]) < cfg.MaxResults {
			return false
		}
	}
	return true
}

// safeExtractRow guards extractRow against a panic surfaced while applying
// cfg's regex — a malformed CompiledRegex/CompiledRS pairing or a
// capture-group indexing bug — converting it into a RuntimeRegexError
// instead of taking down the whole run. The offending line or record is
// skipped; every other search, and every later line, continues normally.
func safeExtractRow(cfg *SearchConfig, lineNumber int, text, systemName string) (row *SearchResult, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &RuntimeRegexError{
				SystemName: systemName,
				SearchName: cfg.Name,
				Line:       lineNumber,
				Underlying: fmt.Errorf("%v", r),
			}
		}
	}()
	return extractRow(cfg, lineNumber, text), nil
}

// warnRuntimeRegex logs a recovered runtime regex failure and lets the
// caller continue the scan. No-op when logging has been disabled.
func (e *Engine) warnRuntimeRegex(err error) {
	if e.logger == nil {
		return
	}
	var rre *RuntimeRegexError
	if errors.As(err, &rre) {
		e.logger.Warn("runtime regex error",
			"system", rre.SystemName, "search", rre.SearchName, "line", rre.Line, "error", rre.Underlying)
		return
	}
	e.logger.Warn("runtime regex error", "error", err)
}

// extractRow applies cfg's compiled regex to text (one line in line mode,
// one assembled record in record mode) and builds the resulting row, or
// returns nil when the regex didn't match.
func extractRow(cfg *SearchConfig, lineNumber int, text string) *SearchResult {
	loc := cfg.CompiledRegex.FindStringSubmatchIndex(text)
	if loc == nil {
		return nil
	}

	row := &SearchResult{LineNumber: lineNumber, MatchedText: text}
	if cfg.OnlyMatching {
		row.MatchedText = text[loc[0]:loc[1]]
	}

	if len(cfg.FieldList) > 0 {
		fields := make(map[string]*string, len(cfg.FieldList))
		for _, want := range cfg.FieldList {
			fields[want] = nil
		}
		names := cfg.CompiledRegex.SubexpNames()
		for i, name := range names {
			if i == 0 || name == "" {
				continue
			}
			if _, wanted := fields[name]; !wanted {
				continue
			}
			start, end := loc[2*i], loc[2*i+1]
			if start >= 0 {
				v := text[start:end]
				fields[name] = &v
			}
		}
		row.ExtractedFields = fields
	}
	return row
}

// postProcess applies merge_fields, then unique, then max_results, in
// that order.
func postProcess(cfg *SearchConfig, rows []SearchResult) []SearchResult {
	rows = applyMergeFields(cfg, rows)
	if cfg.Unique {
		rows = dedupRows(rows)
	}
	if cfg.MaxResults > 0 && len(rows) > cfg.MaxResults {
		rows = rows[:cfg.MaxResults]
	}
	return rows
}

func applyMergeFields(cfg *SearchConfig, rows []SearchResult) []SearchResult {
	if len(cfg.MergeFields) == 0 {
		return rows
	}
	for i := range rows {
		if rows[i].ExtractedFields == nil {
			continue
		}
		for _, mf := range cfg.MergeFields {
			var chosen *string
			for _, src := range mf.SourceColumns {
				if v, ok := rows[i].ExtractedFields[src]; ok && v != nil && *v != "" {
					chosen = v
					break
				}
			}
			rows[i].ExtractedFields[mf.DestColumn] = chosen
			for _, src := range mf.SourceColumns {
				delete(rows[i].ExtractedFields, src)
			}
		}
	}
	return rows
}

func dedupRows(rows []SearchResult) []SearchResult {
	seen := make(map[string]bool, len(rows))
	out := make([]SearchResult, 0, len(rows))
	for _, r := range rows {
		key := dedupKey(r)
		if seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, r)
	}
	return out
}

// dedupKey is extracted_fields (sorted by column name, for stability
// regardless of map iteration order) when set, else matched_text — the
// Open Question decision recorded in DESIGN.md.
func dedupKey(r SearchResult) string {
	if r.ExtractedFields == nil {
		return r.MatchedText
	}
	keys := make([]string, 0, len(r.ExtractedFields))
	for k := range r.ExtractedFields {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	for _, k := range keys {
		b.WriteString(k)
		b.WriteByte('=')
		if v := r.ExtractedFields[k]; v != nil {
			b.WriteString(*v)
		}
		b.WriteByte('\x1f')
	}
	return b.String()
}

// systemDisplayName derives the human-facing system_name from a report's
// file name (collector reports are conventionally named after the host
// they were collected from), stripping the extension.
func systemDisplayName(sys *System) string {
	base := filepath.Base(sys.FilePath)
	return strings.TrimSuffix(base, filepath.Ext(base))
}
