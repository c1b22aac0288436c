// Package chart owns one instrument session for a dashboard chart: history
// snapshot plus live push updates merged into a single displayable series,
// and the pan/zoom state that must survive data refreshes.
package chart

import "sync"

// DefaultWindow is how many trailing bars the first render shows when the
// user has not panned or zoomed yet.
const DefaultWindow = 120

// Viewport is a visible range in bar-index space. Index coordinates stay
// valid across trailing appends, which timestamp ranges do not.
type Viewport struct {
	From float64 `json:"from"`
	To   float64 `json:"to"`
}

// DefaultViewport is the last-DefaultWindow-bars window over a series of the
// given length.
func DefaultViewport(seriesLen int) Viewport {
	from := seriesLen - DefaultWindow
	if from < 0 {
		from = 0
	}
	return Viewport{From: float64(from), To: float64(seriesLen)}
}

// ViewportMemory remembers the user's chosen range so a data refresh does not
// jump the chart back to the default window. One instance per chart session;
// Reset is called when the subscribed instrument changes.
type ViewportMemory struct {
	mu       sync.Mutex
	captured bool
	vp       Viewport
	length   int
}

// NewViewportMemory creates an empty memory.
func NewViewportMemory() *ViewportMemory {
	return &ViewportMemory{}
}

// Capture records the range the user is currently looking at and the series
// length it was captured against.
func (m *ViewportMemory) Capture(vp Viewport, seriesLen int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.captured = true
	m.vp = vp
	m.length = seriesLen
}

// Restore returns the viewport to apply after a data update over a series
// that is now seriesLen bars long. With nothing captured it returns the
// default trailing window. A captured viewport is returned verbatim unless it
// was sitting at the live edge and the series grew, in which case it shifts
// right by the growth so the newest bars stay in view.
func (m *ViewportMemory) Restore(seriesLen int) Viewport {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.captured {
		return DefaultViewport(seriesLen)
	}

	delta := seriesLen - m.length
	if delta > 0 && m.vp.To >= float64(m.length-1) {
		m.vp.From += float64(delta)
		m.vp.To += float64(delta)
	}
	m.length = seriesLen
	return m.vp
}

// Reset discards the captured viewport.
func (m *ViewportMemory) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.captured = false
	m.vp = Viewport{}
	m.length = 0
}
