package auditkit

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"
)

var allowedSectionKeys = map[string]bool{
	"regex": true, "comment": true, "excel_sheet_name": true, "max_results": true,
	"field_list": true, "only_matching": true, "unique": true, "full_scan": true,
	"rs_delimiter": true, "multiline": true, "merge_fields": true, "sys_filter": true,
}

var allowedGlobalKeys = map[string]bool{
	"sys_filter": true, "max_results": true, "only_matching": true, "unique": true, "full_scan": true,
}

// rawMergeField is the YAML shape of one merge_fields entry.
type rawMergeField struct {
	SourceColumns []string `yaml:"source_columns"`
	DestColumn    string   `yaml:"dest_column"`
}

// rawSysFilter is the YAML shape of one sys_filter triple. Value is kept
// as a raw node because it may be a scalar or a sequence.
type rawSysFilter struct {
	Attr  string    `yaml:"attr"`
	Comp  string    `yaml:"comp"`
	Value yaml.Node `yaml:"value"`
}

// rawSection is the YAML shape of one SearchConfig section, decoded after
// its keys have already been validated against allowedSectionKeys.
type rawSection struct {
	Regex          string          `yaml:"regex"`
	Comment        string          `yaml:"comment"`
	ExcelSheetName string          `yaml:"excel_sheet_name"`
	MaxResults     *int            `yaml:"max_results"`
	FieldList      []string        `yaml:"field_list"`
	OnlyMatching   bool            `yaml:"only_matching"`
	Unique         bool            `yaml:"unique"`
	FullScan       bool            `yaml:"full_scan"`
	RSDelimiter    string          `yaml:"rs_delimiter"`
	Multiline      bool            `yaml:"multiline"`
	MergeFields    []rawMergeField `yaml:"merge_fields"`
	SysFilter      []rawSysFilter  `yaml:"sys_filter"`
}

// rawGlobal is the YAML shape of a file's `global` block.
type rawGlobal struct {
	SysFilter    []rawSysFilter `yaml:"sys_filter"`
	MaxResults   *int           `yaml:"max_results"`
	OnlyMatching bool           `yaml:"only_matching"`
	Unique       bool           `yaml:"unique"`
	FullScan     bool           `yaml:"full_scan"`
}

// fileGlobal is one file's resolved global scope, normalized so -1/false
// mean "unset" for merge purposes.
type fileGlobal struct {
	sysFilter    []SystemFilter
	maxResults   int
	onlyMatching bool
	unique       bool
	fullScan     bool
}

// libraryLoader holds the state threaded through a recursive load: the
// include cycle guard (grounded on yacm's resolver "resolving" set), the
// cross-file unique-name check, and the sheet-name deduper.
type libraryLoader struct {
	defaultConfigDir string
	resolving        map[string]bool
	seenNames        map[string]bool
	sheetNames       *SheetNameDeduper
	sections         []*SearchConfig
}

// LoadSearchLibrary parses the YAML search library rooted at rootPath,
// resolving include_* directives transitively and merging each file's
// global block into its own sibling sections.
// defaultConfigDir is the fallback directory for includes not found
// relative to the including file; pass "" to disable the fallback.
func LoadSearchLibrary(rootPath, defaultConfigDir string) ([]*SearchConfig, error) {
	l := &libraryLoader{
		defaultConfigDir: defaultConfigDir,
		resolving:        make(map[string]bool),
		seenNames:        make(map[string]bool),
		sheetNames:       NewSheetNameDeduper(),
	}
	if err := l.loadFile(rootPath); err != nil {
		return nil, err
	}
	return l.sections, nil
}

func (l *libraryLoader) loadFile(path string) error {
	canonical, err := filepath.Abs(path)
	if err != nil {
		return &ConfigError{File: path, Underlying: err}
	}
	if l.resolving[canonical] {
		return &ConfigError{File: path, Underlying: fmt.Errorf("cyclic include detected")}
	}
	l.resolving[canonical] = true
	defer delete(l.resolving, canonical)

	data, err := os.ReadFile(canonical)
	if err != nil {
		return &ConfigError{File: path, Underlying: err}
	}

	var doc yaml.Node
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return &ConfigError{File: path, Underlying: err}
	}
	if len(doc.Content) == 0 {
		return nil // empty file: no sections, not an error
	}
	root := doc.Content[0]
	if root.Kind != yaml.MappingNode {
		return &ConfigError{File: path, Underlying: fmt.Errorf("top level of a search library must be a mapping")}
	}

	var globalNode *yaml.Node
	type pair struct {
		key   string
		value *yaml.Node
	}
	var pairs []pair

	for i := 0; i < len(root.Content); i += 2 {
		key := root.Content[i].Value
		value := root.Content[i+1]
		if key == "global" {
			if globalNode != nil {
				return &ConfigError{File: path, Underlying: fmt.Errorf("more than one global block")}
			}
			globalNode = value
			continue
		}
		pairs = append(pairs, pair{key: key, value: value})
	}

	fg, err := l.buildFileGlobal(path, globalNode)
	if err != nil {
		return err
	}

	currentDir := filepath.Dir(canonical)
	for _, p := range pairs {
		if strings.HasPrefix(p.key, "include_") {
			if err := l.handleInclude(path, currentDir, p.key, p.value, fg); err != nil {
				return err
			}
			continue
		}
		if err := l.buildSection(p.key, p.value, fg, path); err != nil {
			return err
		}
	}
	return nil
}

func (l *libraryLoader) buildFileGlobal(path string, node *yaml.Node) (*fileGlobal, error) {
	fg := &fileGlobal{maxResults: -1}
	if node == nil {
		return fg, nil
	}
	if err := validateKeys(node, allowedGlobalKeys, path, "global"); err != nil {
		return nil, err
	}
	var raw rawGlobal
	if err := node.Decode(&raw); err != nil {
		return nil, &ConfigError{File: path, Section: "global", Underlying: err}
	}
	filters, err := convertFilters(raw.SysFilter, path, "global")
	if err != nil {
		return nil, err
	}
	fg.sysFilter = filters
	fg.onlyMatching = raw.OnlyMatching
	fg.unique = raw.Unique
	fg.fullScan = raw.FullScan

	maxResults, err := normalizeMaxResults(raw.MaxResults, path, "global")
	if err != nil {
		return nil, err
	}
	fg.maxResults = maxResults
	return fg, nil
}

// handleInclude processes one include_* block: "files" entries are
// resolved and loaded recursively; any other key in the block is an
// inline SearchConfig section scoped to the including file (and so still
// merges with that file's own global).
func (l *libraryLoader) handleInclude(path, currentDir, key string, node *yaml.Node, fg *fileGlobal) error {
	if node.Kind != yaml.MappingNode {
		return &ConfigError{File: path, Section: key, Underlying: fmt.Errorf("include block must be a mapping")}
	}
	for i := 0; i < len(node.Content); i += 2 {
		childKey := node.Content[i].Value
		childValue := node.Content[i+1]
		if childKey == "files" {
			var files []string
			if err := childValue.Decode(&files); err != nil {
				return &ConfigError{File: path, Section: key, Option: "files", Underlying: err}
			}
			for _, f := range files {
				resolved, err := l.resolveIncludePath(currentDir, f)
				if err != nil {
					return &ConfigError{File: path, Section: key, Option: "files", Underlying: err}
				}
				if err := l.loadFile(resolved); err != nil {
					return err
				}
			}
			continue
		}
		if err := l.buildSection(childKey, childValue, fg, path); err != nil {
			return err
		}
	}
	return nil
}

func (l *libraryLoader) resolveIncludePath(currentDir, candidate string) (string, error) {
	local := filepath.Join(currentDir, candidate)
	if fileExists(local) {
		return local, nil
	}
	if l.defaultConfigDir != "" {
		fallback := filepath.Join(l.defaultConfigDir, candidate)
		if fileExists(fallback) {
			return fallback, nil
		}
	}
	return "", fmt.Errorf("include file %q not found relative to %q or in the default config directory", candidate, currentDir)
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}

func (l *libraryLoader) buildSection(name string, node *yaml.Node, fg *fileGlobal, sourceFile string) error {
	if err := validateKeys(node, allowedSectionKeys, sourceFile, name); err != nil {
		return err
	}
	if l.seenNames[name] {
		return &ConfigError{File: sourceFile, Section: name, Underlying: fmt.Errorf("duplicate search name")}
	}

	var raw rawSection
	if err := node.Decode(&raw); err != nil {
		return &ConfigError{File: sourceFile, Section: name, Underlying: err}
	}

	localFilters, err := convertFilters(raw.SysFilter, sourceFile, name)
	if err != nil {
		return err
	}
	localMaxResults, err := normalizeMaxResults(raw.MaxResults, sourceFile, name)
	if err != nil {
		return err
	}

	cfg := &SearchConfig{
		Name:         name,
		Regex:        raw.Regex,
		Comment:      raw.Comment,
		FieldList:    raw.FieldList,
		Unique:       raw.Unique || fg.unique,
		FullScan:     raw.FullScan || fg.fullScan,
		OnlyMatching: raw.OnlyMatching || fg.onlyMatching,
		RSDelimiter:  raw.RSDelimiter,
		Multiline:    raw.Multiline,
		SourceFile:   sourceFile,
		MaxResults:   mergeMaxResults(localMaxResults, fg.maxResults),
		SysFilter:    append(append([]SystemFilter{}, fg.sysFilter...), localFilters...),
	}
	if len(cfg.FieldList) > 0 {
		cfg.OnlyMatching = true
	}
	for _, mf := range raw.MergeFields {
		cfg.MergeFields = append(cfg.MergeFields, MergeFieldSpec{SourceColumns: mf.SourceColumns, DestColumn: mf.DestColumn})
	}

	sheetCandidate := raw.ExcelSheetName
	if sheetCandidate == "" {
		sheetCandidate = name
	}
	cfg.ExcelSheetName = l.sheetNames.Assign(sheetCandidate)

	compiled, err := regexp.Compile("(?i)" + cfg.Regex)
	if err != nil {
		return &ConfigError{File: sourceFile, Section: name, Option: "regex", Underlying: err}
	}
	cfg.CompiledRegex = compiled

	if cfg.RSDelimiter != "" {
		compiledRS, err := regexp.Compile(cfg.RSDelimiter)
		if err != nil {
			return &ConfigError{File: sourceFile, Section: name, Option: "rs_delimiter", Underlying: err}
		}
		cfg.CompiledRS = compiledRS
	}

	if err := validateSectionInvariants(cfg); err != nil {
		return err
	}

	l.seenNames[name] = true
	l.sections = append(l.sections, cfg)
	return nil
}

func validateSectionInvariants(cfg *SearchConfig) error {
	if cfg.Multiline && len(cfg.FieldList) == 0 {
		return &ConfigError{File: cfg.SourceFile, Section: cfg.Name, Option: "multiline", Underlying: fmt.Errorf("multiline requires field_list")}
	}
	if cfg.RSDelimiter != "" && !cfg.Multiline {
		return &ConfigError{File: cfg.SourceFile, Section: cfg.Name, Option: "rs_delimiter", Underlying: fmt.Errorf("rs_delimiter requires multiline")}
	}

	fieldSet := make(map[string]bool, len(cfg.FieldList))
	for _, f := range cfg.FieldList {
		fieldSet[f] = true
	}
	for _, mf := range cfg.MergeFields {
		if len(mf.SourceColumns) < 2 {
			return &ConfigError{File: cfg.SourceFile, Section: cfg.Name, Option: "merge_fields", Underlying: fmt.Errorf("merge_fields.%s requires at least 2 source_columns", mf.DestColumn)}
		}
		for _, sc := range mf.SourceColumns {
			if !fieldSet[sc] {
				return &ConfigError{File: cfg.SourceFile, Section: cfg.Name, Option: "merge_fields", Underlying: fmt.Errorf("source column %q is not in field_list", sc)}
			}
		}
	}

	if len(cfg.FieldList) > 0 {
		groupNames := make(map[string]bool)
		for _, g := range cfg.CompiledRegex.SubexpNames() {
			if g != "" {
				groupNames[g] = true
			}
		}
		for _, f := range cfg.FieldList {
			if !groupNames[f] {
				return &ConfigError{File: cfg.SourceFile, Section: cfg.Name, Option: "field_list", Underlying: fmt.Errorf("field %q has no matching named capture group in regex", f)}
			}
		}
	}
	return nil
}

// normalizeMaxResults maps an omitted max_results to the -1 "unset"
// sentinel and rejects any value other than -1 or >= 1.
func normalizeMaxResults(raw *int, file, section string) (int, error) {
	if raw == nil {
		return -1, nil
	}
	v := *raw
	if v == 0 || v < -1 {
		return 0, &ConfigError{File: file, Section: section, Option: "max_results", Underlying: fmt.Errorf("must be -1 (unlimited) or >= 1, got %d", v)}
	}
	return v, nil
}

// mergeMaxResults applies a local value unless it is the unset sentinel,
// in which case the file-global value (itself possibly unset) is used.
func mergeMaxResults(local, global int) int {
	if local != -1 {
		return local
	}
	return global
}

// convertFilters decodes a section or global's sys_filter list, resolving
// each triple's Value node into a FilterValue and normalizing attr names.
func convertFilters(raw []rawSysFilter, file, section string) ([]SystemFilter, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	filters := make([]SystemFilter, 0, len(raw))
	for _, r := range raw {
		value, err := decodeFilterValue(&r.Value)
		if err != nil {
			return nil, &ConfigError{File: file, Section: section, Option: "sys_filter", Underlying: err}
		}
		filters = append(filters, SystemFilter{
			Attr:  normalizeAttr(r.Attr),
			Comp:  FilterComparator(r.Comp),
			Value: value,
		})
	}
	return filters, nil
}

func decodeFilterValue(node *yaml.Node) (FilterValue, error) {
	switch node.Kind {
	case yaml.ScalarNode:
		return FilterValue{Scalar: node.Value}, nil
	case yaml.SequenceNode:
		collection := make([]string, 0, len(node.Content))
		for _, item := range node.Content {
			collection = append(collection, item.Value)
		}
		return FilterValue{Collection: collection}, nil
	case 0:
		return FilterValue{}, fmt.Errorf("sys_filter triple is missing a value")
	default:
		return FilterValue{}, fmt.Errorf("sys_filter value must be a scalar or a list")
	}
}

// validateKeys enforces that node (a mapping) contains only keys present
// in allowed; any other key is a hard ConfigError.
func validateKeys(node *yaml.Node, allowed map[string]bool, file, section string) error {
	if node.Kind != yaml.MappingNode {
		return &ConfigError{File: file, Section: section, Underlying: fmt.Errorf("expected a mapping")}
	}
	for i := 0; i < len(node.Content); i += 2 {
		key := node.Content[i].Value
		if !allowed[key] {
			return &ConfigError{File: file, Section: section, Option: key, Underlying: fmt.Errorf("unknown option")}
		}
	}
	return nil
}
