package auditkit

import "regexp"

// OSFamily classifies the operating system a System was collected from.
type OSFamily string

const (
	OSWindows   OSFamily = "Windows"
	OSLinux     OSFamily = "Linux"
	OSDarwin    OSFamily = "Darwin"
	OSUndefined OSFamily = "Undefined"
)

// Producer identifies which collector script produced a report.
type Producer string

const (
	ProducerKPWinAudit Producer = "KPWINAUDIT"
	ProducerKPNixAudit Producer = "KPNIXAUDIT"
	ProducerKPMacAudit Producer = "KPMACAUDIT"
	ProducerOther      Producer = "OTHER"
)

// DistroFamily narrows a Linux System by its packaging family.
type DistroFamily string

const (
	DistroRPM     DistroFamily = "rpm"
	DistroDEB     DistroFamily = "deb"
	DistroUnknown DistroFamily = "unknown"
)

// System is one analyzed source file plus its detected attributes.
type System struct {
	SystemID        string
	FilePath        string
	Encoding        string
	FileHash        string
	OSFamily        OSFamily
	Producer        Producer
	ProducerVersion string

	// Windows-only extras.
	ProductName  string
	ReleaseID    string
	CurrentBuild string
	UBR          string

	// Linux-only extras.
	DistroFamily DistroFamily
	OSPrettyName string
	OSVersion    string

	// Error is non-nil when this System's file could not be fully
	// processed (decoding failure, read failure, no producer marker found
	// in the header window). Such a System is still
	// emitted for bookkeeping but excluded from search results.
	Error error
}

// Attribute fetches the named SysFilterAttr value from the System. The
// second return value is false when the attribute does not apply to this
// System's producer/OS (e.g. ReleaseID on a Linux System) — the Filter
// Evaluator treats a missing attribute as null.
func (s *System) Attribute(name string) (string, bool) {
	switch name {
	case "os_family":
		return string(s.OSFamily), true
	case "producer":
		return string(s.Producer), true
	case "producer_version":
		if s.ProducerVersion == "" {
			return "", false
		}
		return s.ProducerVersion, true
	case "product_name":
		if s.ProductName == "" {
			return "", false
		}
		return s.ProductName, true
	case "release_id":
		if s.ReleaseID == "" {
			return "", false
		}
		return s.ReleaseID, true
	case "current_build":
		if s.CurrentBuild == "" {
			return "", false
		}
		return s.CurrentBuild, true
	case "ubr":
		if s.UBR == "" {
			return "", false
		}
		return s.UBR, true
	case "distro_family":
		if s.DistroFamily == "" {
			return "", false
		}
		return string(s.DistroFamily), true
	case "os_pretty_name":
		if s.OSPrettyName == "" {
			return "", false
		}
		return s.OSPrettyName, true
	case "os_version":
		if s.OSVersion == "" {
			return "", false
		}
		return s.OSVersion, true
	default:
		return "", false
	}
}

// FilterComparator is one of the comparators a SystemFilter triple may use.
type FilterComparator string

const (
	CompEq FilterComparator = "eq"
	CompNe FilterComparator = "ne"
	CompGt FilterComparator = "gt"
	CompLt FilterComparator = "lt"
	CompGe FilterComparator = "ge"
	CompLe FilterComparator = "le"
	CompIn FilterComparator = "in"
)

// FilterValue is the tagged union of a SystemFilter's right-hand side: a
// single scalar, or a collection (required by "in", forbidden by ordering
// comparators).
type FilterValue struct {
	Scalar     string
	Collection []string
}

// IsCollection reports whether this value is a list/set rather than a
// single scalar.
func (v FilterValue) IsCollection() bool { return v.Collection != nil }

// SystemFilter is one {attr, comp, value} triple. A System passes a
// sys_filter list iff every triple evaluates true (AND semantics).
type SystemFilter struct {
	Attr  string
	Comp  FilterComparator
	Value FilterValue
}

// MergeFieldSpec folds several extracted columns into one using a
// first-non-empty rule.
type MergeFieldSpec struct {
	SourceColumns []string
	DestColumn    string
}

// SearchConfig is one named search section after include-resolution and
// global merging.
type SearchConfig struct {
	Name           string
	Regex          string
	CompiledRegex  *regexp.Regexp
	Comment        string
	ExcelSheetName string
	MaxResults     int // -1 = unlimited; never 0 (a ConfigError at load)
	FieldList      []string
	OnlyMatching   bool
	Unique         bool
	FullScan       bool
	RSDelimiter    string
	CompiledRS     *regexp.Regexp
	Multiline      bool
	MergeFields    []MergeFieldSpec
	SysFilter      []SystemFilter

	// SourceFile records which YAML file this section was declared in,
	// for error messages; it is not part of the merged semantics.
	SourceFile string
}

// GlobalConfig holds the subset of SearchConfig options a YAML file's
// top-level `global` block may set. Scope is that file only — global never
// crosses an include boundary.
type GlobalConfig struct {
	SysFilter    []SystemFilter
	MaxResults   *int
	OnlyMatching *bool
	Unique       *bool
	FullScan     *bool
}

// SearchResult is one row produced by the Search Engine for one System
// against one SearchConfig.
type SearchResult struct {
	SystemName  string
	LineNumber  int
	MatchedText string
	// ExtractedFields is nil unless the originating SearchConfig sets
	// field_list; a present-but-nil map entry means the named capture
	// group did not participate in the match.
	ExtractedFields map[string]*string
}

// SearchResults bundles one SearchConfig's rows, ready for an external
// tabular writer (out of scope here).
type SearchResults struct {
	SearchConfig *SearchConfig
	Results      []SearchResult
}

// ResultCount returns the number of rows collected for this search.
func (r *SearchResults) ResultCount() int { return len(r.Results) }

// UniqueSystems returns the number of distinct systems contributing rows.
func (r *SearchResults) UniqueSystems() int {
	seen := make(map[string]struct{}, len(r.Results))
	for _, row := range r.Results {
		seen[row.SystemName] = struct{}{}
	}
	return len(seen)
}

// HasExtractedFields reports whether this search's rows carry named
// capture-group columns rather than a single raw_data column.
func (r *SearchResults) HasExtractedFields() bool {
	return r.SearchConfig != nil && len(r.SearchConfig.FieldList) > 0
}
