package auditkit

// OSFamilyResults bundles every SearchConfig's SearchResults for one OS
// family, as produced by the Result Aggregator.
type OSFamilyResults struct {
	OSFamily OSFamily
	Results  []*SearchResults
}

// Aggregator groups per-system search rows by the OS family of their
// originating System, yielding one SearchResults per SearchConfig that had
// at least one qualifying System — even when that System contributed zero
// matching rows.
type Aggregator struct {
	configs []*SearchConfig
}

// NewAggregator builds an Aggregator over the same search library an
// Engine was constructed with.
func NewAggregator(configs []*SearchConfig) *Aggregator {
	return &Aggregator{configs: configs}
}

// Aggregate combines systems and their per-system rows (as returned by
// Scheduler.Run, in the same order as systems) into one OSFamilyResults per
// OS family observed, each holding one SearchResults per qualifying
// SearchConfig. Families are returned in first-encounter order over
// systems, for the same determinism guarantee the Scheduler gives its own
// output.
func (a *Aggregator) Aggregate(systems []*System, perSystemRows []map[string][]SearchResult) []OSFamilyResults {
	var order []OSFamily
	seenFamily := make(map[OSFamily]bool)

	// qualified[family][searchName] is true once any System of that family
	// was evaluated against that search, whether or not it produced rows.
	qualified := make(map[OSFamily]map[string]bool)
	rows := make(map[OSFamily]map[string][]SearchResult)

	for i, sys := range systems {
		if sys == nil || sys.Error != nil {
			continue
		}
		family := sys.OSFamily
		if !seenFamily[family] {
			seenFamily[family] = true
			order = append(order, family)
			qualified[family] = make(map[string]bool)
			rows[family] = make(map[string][]SearchResult)
		}

		for _, cfg := range a.configs {
			if !EvaluateFilter(cfg.SysFilter, sys) {
				continue
			}
			qualified[family][cfg.Name] = true
		}

		if i < len(perSystemRows) {
			for name, r := range perSystemRows[i] {
				rows[family][name] = append(rows[family][name], r...)
			}
		}
	}

	out := make([]OSFamilyResults, 0, len(order))
	for _, family := range order {
		var bundles []*SearchResults
		for _, cfg := range a.configs {
			if !qualified[family][cfg.Name] {
				continue
			}
			bundles = append(bundles, &SearchResults{
				SearchConfig: cfg,
				Results:      rows[family][cfg.Name],
			})
		}
		out = append(out, OSFamilyResults{OSFamily: family, Results: bundles})
	}
	return out
}
