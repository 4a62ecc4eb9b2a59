package logging

// LogEntry represents a structured log record with the fields relevant to an
// estimation run.
type LogEntry struct {
	// Standard fields
	Time     int64
	Severity Severity
	Message  string
	File     string
	Line     int
	Function string

	// Run-specific fields
	RunID     string // estimation run the entry belongs to
	Iteration int    // solver iteration, zero outside the iteration loop

	// General structured data
	Fields map[string]interface{}
}
