package core

// Reporter receives coarse progress events: one tick per completed
// simulation task across the whole run. Implementations must be safe for
// concurrent Tick calls.
type Reporter interface {
	// Start announces a run of total expected ticks. total < 0 means the
	// count is not known in advance.
	Start(total int, description string)

	// Tick records one completed unit of work.
	Tick()

	// Finish closes out the display. It must be called exactly once per
	// Start, including when the run is aborting on error or interrupt.
	Finish()
}

// NopReporter discards all progress events. It is the default.
type NopReporter struct{}

func (NopReporter) Start(int, string) {}
func (NopReporter) Tick()             {}
func (NopReporter) Finish()           {}
