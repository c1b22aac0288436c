package series

import "sort"

// Merge reconciles an immutable historical snapshot with a live incremental
// series into one ascending, deduplicated series. Both inputs are
// concatenated, stably sorted by day key and deduplicated keeping the last
// occurrence, so a live bar for a given day always overrides the historical
// bar for the same day. Neither input is modified and the result is freshly
// allocated.
//
// Merge is idempotent: Merge(Merge(h, l), l) equals Merge(h, l). Empty
// inputs pass through, and out-of-order live input is tolerated because the
// result is re-sorted rather than assumed append-only.
func Merge(historical, live Series) Series {
	if len(historical) == 0 && len(live) == 0 {
		return Series{}
	}

	combined := make(Series, 0, len(historical)+len(live))
	combined = append(combined, historical...)
	combined = append(combined, live...)

	// Stable sort keeps live entries after historical ones for equal keys,
	// which is what makes keep-last equivalent to live-wins.
	sort.SliceStable(combined, func(i, j int) bool {
		return combined[i].Key() < combined[j].Key()
	})

	out := make(Series, 0, len(combined))
	for _, b := range combined {
		if n := len(out); n > 0 && out[n-1].Key() == b.Key() {
			out[n-1] = b
			continue
		}
		out = append(out, b)
	}
	return out
}
