package series

import "fmt"

// Timeframe selects the resampling granularity for Aggregate.
type Timeframe string

const (
	TimeframeDay   Timeframe = "day"
	TimeframeWeek  Timeframe = "week"
	TimeframeMonth Timeframe = "month"
)

// ParseTimeframe maps a request parameter to a Timeframe.
func ParseTimeframe(s string) (Timeframe, error) {
	switch Timeframe(s) {
	case TimeframeDay, TimeframeWeek, TimeframeMonth:
		return Timeframe(s), nil
	case "":
		return TimeframeDay, nil
	}
	return "", fmt.Errorf("unknown timeframe %q", s)
}

// periodKey returns the grouping key for a bar under the given timeframe:
// ISO year-week (Monday-based) for weeks, calendar year-month for months.
// Bars whose date cannot be parsed get an empty key and are dropped.
func periodKey(b Bar, tf Timeframe) string {
	t := b.Time()
	if t.IsZero() {
		return ""
	}
	switch tf {
	case TimeframeWeek:
		year, week := t.ISOWeek()
		return fmt.Sprintf("%04d-W%02d", year, week)
	case TimeframeMonth:
		return t.Format("2006-01")
	}
	return b.Key()
}

// Aggregate resamples a daily series into weekly or monthly bars. For
// TimeframeDay the input is returned unchanged. The daily series is grouped
// into contiguous runs sharing a period key, preserving input order, and each
// group collapses to one bar:
//
//   - date/open from the first bar of the group (a bucket opens on the
//     period's first trading day, not the calendar boundary)
//   - close from the last bar, high/low as the group max/min, volume summed
//   - diff and pct_change recomputed against the previous aggregated bar's
//     close; when there is no previous aggregated bar or its close is zero,
//     the last daily bar's own values are kept
//   - every indicator field takes the last daily bar's value
//
// Bars with unparseable dates are dropped rather than aborting the series.
func Aggregate(daily Series, tf Timeframe) Series {
	if tf == TimeframeDay {
		return daily
	}
	if len(daily) == 0 {
		return Series{}
	}

	out := make(Series, 0, len(daily))
	var group Series
	var groupKey string

	flush := func() {
		if len(group) == 0 {
			return
		}
		var prev *Bar
		if len(out) > 0 {
			prev = &out[len(out)-1]
		}
		out = append(out, collapse(group, prev))
		group = group[:0]
	}

	for _, b := range daily {
		key := periodKey(b, tf)
		if key == "" {
			continue
		}
		if key != groupKey {
			flush()
			groupKey = key
		}
		group = append(group, b)
	}
	flush()

	return out
}

// collapse folds one contiguous period group into a single bar. prev is the
// previously aggregated bar, used as the diff baseline, or nil for the first
// group.
func collapse(group Series, prev *Bar) Bar {
	first, last := group[0], group[len(group)-1]

	agg := Bar{
		Date:       first.Date,
		Open:       first.Open,
		High:       first.High,
		Low:        first.Low,
		Close:      last.Close,
		Diff:       last.Diff,
		PctChange:  last.PctChange,
		Indicators: cloneIndicators(last.Indicators),
	}
	for _, b := range group {
		if b.High > agg.High {
			agg.High = b.High
		}
		if b.Low < agg.Low {
			agg.Low = b.Low
		}
		agg.Volume += b.Volume
	}

	if prev != nil && prev.Close != 0 {
		agg.Diff = agg.Close - prev.Close
		agg.PctChange = agg.Diff / prev.Close * 100
	}

	return agg
}
