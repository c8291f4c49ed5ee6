// Package progress renders a single-line terminal progress bar for the
// lead walk. The bar is keyed to the store's total result count, which can
// shrink as merges delete leads or grow as other users create them; the
// bar clamps its maximum upward so progress never regresses or overflows.
package progress

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/fatih/color"
)

const barWidth = 30

// Bar is a terminal progress bar. It is not safe for concurrent use; the
// walk that drives it is single-threaded.
type Bar struct {
	out     io.Writer
	label   string
	total   int
	current int
	started time.Time
	render  func(string, ...interface{}) string
}

// New creates a Bar writing to out. label prefixes the bar line.
func New(out io.Writer, label string) *Bar {
	return &Bar{
		out:    out,
		label:  label,
		render: color.New(color.FgCyan).Sprintf,
	}
}

// Start begins the bar with the store's initially reported total.
func (b *Bar) Start(total int) {
	if total < 0 {
		total = 0
	}
	b.total = total
	b.current = 0
	b.started = time.Now()
	b.draw()
}

// Increment advances the bar by one lead slot. If leads were added to the
// store after the walk began, the reported total would overflow; the
// maximum is bumped instead.
func (b *Bar) Increment() {
	b.current++
	if b.current > b.total {
		b.total = b.current
	}
	b.draw()
}

// Finish completes the bar line.
func (b *Bar) Finish() {
	fmt.Fprintln(b.out)
}

func (b *Bar) draw() {
	var pct float64
	if b.total > 0 {
		pct = float64(b.current) / float64(b.total)
	}
	filled := int(pct * barWidth)
	if filled > barWidth {
		filled = barWidth
	}
	gauge := strings.Repeat("#", filled) + strings.Repeat("-", barWidth-filled)

	fmt.Fprintf(b.out, "\r%s %d/%d %3.0f%% [%s] %s",
		b.label, b.current, b.total, pct*100, b.render("%s", gauge), b.eta())
}

// eta estimates remaining time from the average pace so far.
func (b *Bar) eta() string {
	if b.current == 0 || b.current >= b.total {
		return "ETA --"
	}
	elapsed := time.Since(b.started)
	perItem := elapsed / time.Duration(b.current)
	remaining := perItem * time.Duration(b.total-b.current)
	return "ETA " + remaining.Round(time.Second).String()
}
