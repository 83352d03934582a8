// Package merger reconciles records about the same entity coming from two
// sources of differing quality.
package merger

import (
	"sort"

	"coinflux/internal/logger"
	"coinflux/internal/market"
)

// Merge combines two normalized record sets keyed by entity identity.
// Each set is first collapsed on its own (duplicates keep the first record),
// then primary records are overlaid whole: where both sources know an
// entity, every field comes from the primary (no field-level union) and the
// record is tagged combined so provenance survives. Entities known to only
// one source pass through with that source's tag, even when that source
// listed them twice. Output order is sorted by entity ID, so the result
// depends only on the input sets, not on their ordering.
func Merge(primary, secondary []market.Record) []market.Record {
	out := collapse(secondary)
	for id, rec := range collapse(primary) {
		if _, ok := out[id]; ok {
			rec.Source = market.SourceCombined
		}
		out[id] = rec
	}

	merged := make([]market.Record, 0, len(out))
	for _, rec := range out {
		merged = append(merged, rec)
	}
	sort.Slice(merged, func(i, j int) bool { return merged[i].EntityID < merged[j].EntityID })
	return merged
}

// collapse dedupes one source's output on entity ID, keeping the first
// record for each.
func collapse(recs []market.Record) map[string]market.Record {
	byID := make(map[string]market.Record, len(recs))
	for _, rec := range recs {
		if rec.EntityID == "" {
			// Fetchers derive the ID before records reach the merger; an
			// empty one here means a fetcher bug, not bad upstream data.
			logger.Warnf("merger: dropping record with empty entity id (symbol=%q source=%s)", rec.Symbol, rec.Source)
			continue
		}
		if _, ok := byID[rec.EntityID]; ok {
			logger.Debugf("merger: duplicate entity %q from %s, keeping first", rec.EntityID, rec.Source)
			continue
		}
		byID[rec.EntityID] = rec
	}
	return byID
}
