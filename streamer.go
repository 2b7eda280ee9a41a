package auditkit

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"regexp"
	"sort"
	"strings"

	"golang.org/x/text/transform"
)

// DefaultHeaderWindow is the number of header lines the System Detector
// reads by default; MaxHeaderWindow is the extended window it falls back
// to when no producer marker is found in the default window.
const (
	DefaultHeaderWindow = 10
	MaxHeaderWindow     = 40
)

// MatchLine is one line a pattern matched, as produced by any of the
// Streamer's scanning entry points.
type MatchLine struct {
	LineNumber int
	Line       string
	MatchText  string
	// Groups maps named capture groups to their captured text; a nil value
	// means the group did not participate in the match.
	Groups map[string]*string
}

// NamedPattern pairs a stable name with a compiled regex. A slice rather
// than a map, since search-order determinism depends on insertion order
// being preserved.
type NamedPattern struct {
	Name  string
	Regex *regexp.Regexp
}

// PatternCallback pairs a named pattern with a sink invoked for every line
// it matches during a single body pass.
type PatternCallback struct {
	Name  string
	Regex *regexp.Regexp
	Sink  func(MatchLine)
}

// Streamer provides targeted, read-once access to one file's decoded
// lines: a cached header, and several single-pass body-scanning entry
// points.
type Streamer struct {
	filePath     string
	encodingName string

	header       []string
	headerLoaded bool

	bodyConsumed bool
}

// NewStreamer creates a Streamer for filePath, decoding its body under the
// named encoding (DefaultEncoding if empty).
func NewStreamer(filePath, encodingName string) *Streamer {
	if encodingName == "" {
		encodingName = DefaultEncoding
	}
	return &Streamer{filePath: filePath, encodingName: encodingName}
}

// FilePath returns the path this streamer was created for.
func (s *Streamer) FilePath() string { return s.filePath }

// Encoding returns the declared encoding this streamer decodes under.
func (s *Streamer) Encoding() string { return s.encodingName }

// GetFileHeader returns the first n decoded lines, reading and caching
// them (up to MaxHeaderWindow) on first call. Idempotent; independent of
// any body scan on the same streamer.
func (s *Streamer) GetFileHeader(n int) ([]string, error) {
	if !s.headerLoaded {
		lines, err := s.readLines(MaxHeaderWindow)
		if err != nil {
			return nil, err
		}
		s.header = lines
		s.headerLoaded = true
	}
	if n > len(s.header) {
		n = len(s.header)
	}
	return s.header[:n], nil
}

func (s *Streamer) readLines(max int) ([]string, error) {
	file, err := os.Open(s.filePath)
	if err != nil {
		return nil, &IoError{FilePath: s.filePath, Op: "open", Underlying: err}
	}
	defer file.Close()

	enc, err := ResolveEncoding(s.encodingName)
	if err != nil {
		return nil, &DecodingError{FilePath: s.filePath, Encoding: s.encodingName, Underlying: err}
	}

	reader := transform.NewReader(file, enc.NewDecoder())
	scanner := bufio.NewScanner(reader)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)

	var lines []string
	for scanner.Scan() {
		lines = append(lines, scanner.Text())
		if max > 0 && len(lines) >= max {
			break
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, &IoError{FilePath: s.filePath, Op: "read", Underlying: err}
	}
	return lines, nil
}

// consumeBody drives cb once per line of the file body, decoding under the
// streamer's declared encoding. It is the single entry point all body
// scanning funnels through, so every public scanning method shares the
// same read-once guarantee and cancellation behavior.
func (s *Streamer) consumeBody(ctx context.Context, cb func(lineNumber int, line string) error) error {
	if s.bodyConsumed {
		return fmt.Errorf("streamer for %s: body already consumed", s.filePath)
	}
	s.bodyConsumed = true

	file, err := os.Open(s.filePath)
	if err != nil {
		return &IoError{FilePath: s.filePath, Op: "open", Underlying: err}
	}
	defer file.Close()

	enc, err := ResolveEncoding(s.encodingName)
	if err != nil {
		return &DecodingError{FilePath: s.filePath, Encoding: s.encodingName, Underlying: err}
	}

	reader := transform.NewReader(file, enc.NewDecoder())
	scanner := bufio.NewScanner(reader)
	scanner.Buffer(make([]byte, 64*1024), 4*1024*1024)

	lineNumber := 0
	for scanner.Scan() {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		lineNumber++
		if err := cb(lineNumber, scanner.Text()); err != nil {
			return err
		}
	}
	if err := scanner.Err(); err != nil {
		return &IoError{FilePath: s.filePath, Op: "scan", Underlying: err}
	}
	return nil
}

// Lines drives sink once per decoded line of the body — the lowest-level
// entry point, shared by StreamPatternMatches et al. and by the Search
// Engine, which needs line-mode and record-mode searches to share a
// single pass over one streamer.
func (s *Streamer) Lines(ctx context.Context, sink func(lineNumber int, line string) error) error {
	return s.consumeBody(ctx, sink)
}

// StreamPatternMatches returns every line matching pattern, in file order,
// capped at max matches (0 = unlimited).
func (s *Streamer) StreamPatternMatches(ctx context.Context, pattern *regexp.Regexp, max int) ([]MatchLine, error) {
	var results []MatchLine
	err := s.consumeBody(ctx, func(lineNumber int, line string) error {
		if max > 0 && len(results) >= max {
			return nil
		}
		if loc := pattern.FindStringSubmatchIndex(line); loc != nil {
			results = append(results, buildMatchLine(pattern, lineNumber, line, loc))
		}
		return nil
	})
	return results, err
}

// FindFirstMatch returns the first line matching pattern, or nil if none.
func (s *Streamer) FindFirstMatch(ctx context.Context, pattern *regexp.Regexp) (*MatchLine, error) {
	var found *MatchLine
	err := s.consumeBody(ctx, func(lineNumber int, line string) error {
		if found != nil {
			return nil
		}
		if loc := pattern.FindStringSubmatchIndex(line); loc != nil {
			ml := buildMatchLine(pattern, lineNumber, line, loc)
			found = &ml
		}
		return nil
	})
	return found, err
}

// SearchMultiplePatterns scans the body once, evaluating every pattern
// against every line, and returns the matches keyed by pattern name.
func (s *Streamer) SearchMultiplePatterns(ctx context.Context, patterns []NamedPattern) (map[string][]MatchLine, error) {
	results := make(map[string][]MatchLine, len(patterns))
	err := s.consumeBody(ctx, func(lineNumber int, line string) error {
		for _, np := range patterns {
			if loc := np.Regex.FindStringSubmatchIndex(line); loc != nil {
				results[np.Name] = append(results[np.Name], buildMatchLine(np.Regex, lineNumber, line, loc))
			}
		}
		return nil
	})
	return results, err
}

// StreamWithMultipleCallbacks scans the body once, invoking each matching
// callback's sink per line. Within one line, sinks fire in the order their
// pattern's match starts in the line; ties break by the callback's
// position in the callbacks slice (its insertion order).
func (s *Streamer) StreamWithMultipleCallbacks(ctx context.Context, callbacks []PatternCallback) error {
	type hit struct {
		idx int
		pos int
		ml  MatchLine
	}

	return s.consumeBody(ctx, func(lineNumber int, line string) error {
		var hits []hit
		for i, cb := range callbacks {
			if loc := cb.Regex.FindStringSubmatchIndex(line); loc != nil {
				hits = append(hits, hit{idx: i, pos: loc[0], ml: buildMatchLine(cb.Regex, lineNumber, line, loc)})
			}
		}
		sort.SliceStable(hits, func(i, j int) bool {
			if hits[i].pos != hits[j].pos {
				return hits[i].pos < hits[j].pos
			}
			return hits[i].idx < hits[j].idx
		})
		for _, h := range hits {
			callbacks[h.idx].Sink(h.ml)
		}
		return nil
	})
}

// StreamRecords assembles logical multi-line records by buffering lines
// until the next delimiter match (or EOF), invoking sink once per
// assembled record with the 1-based line the record started on. When
// delimiter is nil the whole file is treated as a single record. Supports
// the Search Engine's record mode.
func (s *Streamer) StreamRecords(ctx context.Context, delimiter *regexp.Regexp, sink func(startLine int, record string) error) error {
	var buf []string
	startLine := 1
	haveRecord := false

	flush := func() error {
		if !haveRecord {
			return nil
		}
		err := sink(startLine, strings.Join(buf, "\n"))
		buf = buf[:0]
		haveRecord = false
		return err
	}

	err := s.consumeBody(ctx, func(lineNumber int, line string) error {
		if delimiter != nil && haveRecord && delimiter.MatchString(line) {
			if err := flush(); err != nil {
				return err
			}
		}
		if !haveRecord {
			startLine = lineNumber
			haveRecord = true
		}
		buf = append(buf, line)
		return nil
	})
	if err != nil {
		return err
	}
	return flush()
}

// buildMatchLine extracts the overall match and named capture groups from
// a FindStringSubmatchIndex result.
func buildMatchLine(re *regexp.Regexp, lineNumber int, line string, loc []int) MatchLine {
	matchText := line[loc[0]:loc[1]]
	names := re.SubexpNames()

	var groups map[string]*string
	if len(names) > 1 {
		groups = make(map[string]*string, len(names)-1)
		for i, name := range names {
			if i == 0 || name == "" {
				continue
			}
			start, end := loc[2*i], loc[2*i+1]
			if start < 0 {
				groups[name] = nil
				continue
			}
			v := line[start:end]
			groups[name] = &v
		}
	}

	return MatchLine{LineNumber: lineNumber, Line: line, MatchText: matchText, Groups: groups}
}
