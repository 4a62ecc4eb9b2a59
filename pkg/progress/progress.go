// Package progress renders estimation progress as a terminal bar, one tick
// per completed simulation task. It implements core.Reporter; the solver and
// the covariance estimators drive it without knowing how progress is shown.
package progress

import (
	"io"
	"os"
	"sync"

	"github.com/schollz/progressbar/v3"
)

// Bar is a core.Reporter backed by a terminal progress bar. Tick is safe for
// concurrent use; the solver calls it from pool workers.
type Bar struct {
	mu  sync.Mutex
	w   io.Writer
	bar *progressbar.ProgressBar
}

// New returns a bar writing to stderr, keeping stdout clean for results.
func New() *Bar {
	return &Bar{w: os.Stderr}
}

// NewWriter returns a bar writing to w, for tests.
func NewWriter(w io.Writer) *Bar {
	return &Bar{w: w}
}

// Start opens a fresh bar for a run of total ticks; total < 0 shows a
// spinner with a running count instead of a percentage.
func (b *Bar) Start(total int, description string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.bar = progressbar.NewOptions(total,
		progressbar.OptionSetWriter(b.w),
		progressbar.OptionSetDescription(description),
		progressbar.OptionShowCount(),
		progressbar.OptionShowIts(),
		progressbar.OptionSetItsString("sims"),
		progressbar.OptionClearOnFinish(),
	)
}

func (b *Bar) Tick() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.bar != nil {
		_ = b.bar.Add(1)
	}
}

// Finish clears the bar. It runs on every exit path, including interrupts,
// so a dying run never leaves a half-drawn bar on the terminal.
func (b *Bar) Finish() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.bar != nil {
		_ = b.bar.Finish()
		b.bar = nil
	}
}
