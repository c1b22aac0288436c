// Package series holds the OHLCV time-series model shared by the snapshot
// and live-feed paths: parsing, merging and timeframe aggregation.
package series

import (
	"encoding/json"
	"fmt"
	"time"
)

// DateLayout is the day-granularity date format used as the series key.
const DateLayout = "2006-01-02"

// Bar is one OHLCV record for a trading day, plus an open set of named
// indicator fields. Indicator values may be null in the upstream payload,
// hence the pointer values.
type Bar struct {
	Date      string
	Open      float64
	High      float64
	Low       float64
	Close     float64
	Volume    float64
	Diff      float64
	PctChange float64

	// Indicators carries every numeric field the upstream emits beyond the
	// fixed OHLCV columns (moving averages, RSI and friends). A nil value
	// preserves an explicit null from the payload.
	Indicators map[string]*float64
}

// fixed JSON column names; everything else lands in Indicators.
var barColumns = map[string]bool{
	"date":       true,
	"open":       true,
	"high":       true,
	"low":        true,
	"close":      true,
	"volume":     true,
	"diff":       true,
	"pct_change": true,
}

// Key returns the day-granularity series key for the bar. Upstream sources
// disagree on whether the date carries a time component, so the key is the
// date trimmed to day granularity.
func (b Bar) Key() string {
	if len(b.Date) > len(DateLayout) {
		return b.Date[:len(DateLayout)]
	}
	return b.Date
}

// Time parses the bar's day key. Returns a zero time if the key is malformed.
func (b Bar) Time() time.Time {
	t, err := time.Parse(DateLayout, b.Key())
	if err != nil {
		return time.Time{}
	}
	return t
}

// UnmarshalJSON decodes a bar from the upstream wire shape. Fields outside
// the fixed OHLCV columns are collected into Indicators. An error is returned
// when the date or any OHLC column is missing, so callers can drop the bar
// instead of aborting the whole series.
func (b *Bar) UnmarshalJSON(data []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("decode bar: %w", err)
	}

	if err := json.Unmarshal(raw["date"], &b.Date); err != nil || b.Date == "" {
		return fmt.Errorf("bar missing date")
	}

	required := map[string]*float64{
		"open":  &b.Open,
		"high":  &b.High,
		"low":   &b.Low,
		"close": &b.Close,
	}
	for name, dst := range required {
		msg, ok := raw[name]
		if !ok {
			return fmt.Errorf("bar %s missing %s", b.Date, name)
		}
		if err := json.Unmarshal(msg, dst); err != nil {
			return fmt.Errorf("bar %s: bad %s: %w", b.Date, name, err)
		}
	}

	// Optional columns default to zero when absent.
	optional := map[string]*float64{
		"volume":     &b.Volume,
		"diff":       &b.Diff,
		"pct_change": &b.PctChange,
	}
	for name, dst := range optional {
		if msg, ok := raw[name]; ok {
			if err := json.Unmarshal(msg, dst); err != nil {
				return fmt.Errorf("bar %s: bad %s: %w", b.Date, name, err)
			}
		}
	}

	for name, msg := range raw {
		if barColumns[name] {
			continue
		}
		var v *float64
		if err := json.Unmarshal(msg, &v); err != nil {
			// Non-numeric extras (labels etc.) are not indicator values.
			continue
		}
		if b.Indicators == nil {
			b.Indicators = make(map[string]*float64)
		}
		b.Indicators[name] = v
	}

	return nil
}

// MarshalJSON flattens Indicators back into the wire shape.
func (b Bar) MarshalJSON() ([]byte, error) {
	out := make(map[string]any, 8+len(b.Indicators))
	out["date"] = b.Date
	out["open"] = b.Open
	out["high"] = b.High
	out["low"] = b.Low
	out["close"] = b.Close
	out["volume"] = b.Volume
	out["diff"] = b.Diff
	out["pct_change"] = b.PctChange
	for name, v := range b.Indicators {
		if barColumns[name] {
			continue
		}
		out[name] = v
	}
	return json.Marshal(out)
}

// cloneIndicators copies the indicator map so aggregated bars do not share
// state with their daily inputs.
func cloneIndicators(src map[string]*float64) map[string]*float64 {
	if src == nil {
		return nil
	}
	out := make(map[string]*float64, len(src))
	for k, v := range src {
		if v != nil {
			cp := *v
			out[k] = &cp
			continue
		}
		out[k] = nil
	}
	return out
}

// Series is an ordered sequence of bars, strictly ascending by day key with
// no duplicate keys once merged.
type Series []Bar

// Last returns the final bar of the series, or false when empty.
func (s Series) Last() (Bar, bool) {
	if len(s) == 0 {
		return Bar{}, false
	}
	return s[len(s)-1], true
}

// ParseBars decodes an upstream JSON array of bars. Malformed entries
// (missing date or OHLC columns) are dropped and counted rather than failing
// the whole payload; a top-level decode failure is a hard error.
func ParseBars(data []byte) (Series, int, error) {
	var raw []json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, 0, fmt.Errorf("decode series: %w", err)
	}

	out := make(Series, 0, len(raw))
	dropped := 0
	for _, msg := range raw {
		var b Bar
		if err := json.Unmarshal(msg, &b); err != nil {
			dropped++
			continue
		}
		out = append(out, b)
	}
	return out, dropped, nil
}
