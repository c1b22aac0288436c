package series

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBarUnmarshalCollectsIndicators(t *testing.T) {
	payload := `{
		"date": "2024-03-01",
		"open": 10, "high": 12, "low": 9, "close": 11,
		"volume": 1500, "diff": 0.5, "pct_change": 4.76,
		"ma20": 10.4, "rsi": null, "label": "breakout"
	}`

	var b Bar
	require.NoError(t, json.Unmarshal([]byte(payload), &b))

	assert.Equal(t, "2024-03-01", b.Date)
	assert.Equal(t, 10.0, b.Open)
	assert.Equal(t, 11.0, b.Close)
	assert.Equal(t, 1500.0, b.Volume)

	require.Contains(t, b.Indicators, "ma20")
	assert.Equal(t, 10.4, *b.Indicators["ma20"])

	// Explicit null indicator is kept as nil, non-numeric extras are ignored.
	require.Contains(t, b.Indicators, "rsi")
	assert.Nil(t, b.Indicators["rsi"])
	assert.NotContains(t, b.Indicators, "label")
}

func TestBarUnmarshalRejectsMissingFields(t *testing.T) {
	for name, payload := range map[string]string{
		"no date":  `{"open": 1, "high": 2, "low": 0.5, "close": 1.5}`,
		"no close": `{"date": "2024-03-01", "open": 1, "high": 2, "low": 0.5}`,
		"no open":  `{"date": "2024-03-01", "high": 2, "low": 0.5, "close": 1.5}`,
	} {
		var b Bar
		assert.Error(t, json.Unmarshal([]byte(payload), &b), name)
	}
}

func TestBarMarshalRoundTrip(t *testing.T) {
	ma := 99.5
	in := Bar{
		Date: "2024-03-01", Open: 10, High: 12, Low: 9, Close: 11,
		Volume: 100, Diff: 1, PctChange: 10,
		Indicators: map[string]*float64{"ma20": &ma},
	}

	data, err := json.Marshal(in)
	require.NoError(t, err)

	var out Bar
	require.NoError(t, json.Unmarshal(data, &out))
	assert.Equal(t, in, out)
}

func TestParseBarsDropsMalformed(t *testing.T) {
	payload := `[
		{"date": "2024-03-01", "open": 10, "high": 12, "low": 9, "close": 11},
		{"open": 1, "high": 2, "low": 0.5, "close": 1.5},
		{"date": "2024-03-04", "open": 11, "high": 13, "low": 10, "close": 12}
	]`

	s, dropped, err := ParseBars([]byte(payload))
	require.NoError(t, err)
	assert.Equal(t, 1, dropped)
	require.Len(t, s, 2)
	assert.Equal(t, "2024-03-04", s[1].Date)
}

func TestParseBarsBadPayload(t *testing.T) {
	_, _, err := ParseBars([]byte(`{"not": "an array"}`))
	assert.Error(t, err)
}

func TestBarKeyTrimsTimeComponent(t *testing.T) {
	b := Bar{Date: "2024-03-01T10:15:00+07:00"}
	assert.Equal(t, "2024-03-01", b.Key())
}
