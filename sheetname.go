package auditkit

import (
	"fmt"
	"strings"
)

// maxSheetNameLength is the external tabular writer's limit on sheet names.
const maxSheetNameLength = 31

var forbiddenSheetChars = []string{`\`, "/", "?", "*", "[", "]", ":"}

// SanitizeSheetName derives a candidate Excel sheet name from a search
// section's name: replace forbidden characters, truncate to the writer's
// length limit, then trim leading/trailing whitespace and quotes. Running
// it on an already-sanitized name is a no-op.
func SanitizeSheetName(name string) string {
	sanitized := name
	for _, ch := range forbiddenSheetChars {
		sanitized = strings.ReplaceAll(sanitized, ch, "_")
	}
	if len(sanitized) > maxSheetNameLength {
		sanitized = sanitized[:maxSheetNameLength]
	}
	sanitized = strings.Trim(sanitized, " \t\n'")
	if sanitized == "" {
		sanitized = "_"
	}
	return sanitized
}

// SheetNameDeduper assigns unique sheet names across one config load,
// suffixing "_2", "_3", ... on collision and re-truncating so the suffixed
// name still fits maxSheetNameLength.
type SheetNameDeduper struct {
	seen map[string]int
}

// NewSheetNameDeduper returns an empty deduper, one per config load.
func NewSheetNameDeduper() *SheetNameDeduper {
	return &SheetNameDeduper{seen: make(map[string]int)}
}

// Assign sanitizes candidate and returns a name unique among every name
// this deduper has assigned so far.
func (d *SheetNameDeduper) Assign(candidate string) string {
	base := SanitizeSheetName(candidate)
	if d.seen[base] == 0 {
		d.seen[base] = 1
		return base
	}

	for n := d.seen[base] + 1; ; n++ {
		suffix := fmt.Sprintf("_%d", n)
		trimmedBase := base
		if len(trimmedBase)+len(suffix) > maxSheetNameLength {
			trimmedBase = trimmedBase[:maxSheetNameLength-len(suffix)]
		}
		candidateName := trimmedBase + suffix
		if d.seen[candidateName] == 0 {
			d.seen[base] = n
			d.seen[candidateName] = 1
			return candidateName
		}
	}
}
