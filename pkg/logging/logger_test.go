package logging

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/marius311/muse-go/pkg/core"
)

type MockOutput struct {
	entries []LogEntry
	mu      sync.Mutex
	closed  bool
}

func NewMockOutput() *MockOutput {
	return &MockOutput{
		entries: make([]LogEntry, 0),
	}
}

func (m *MockOutput) Write(entry LogEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return fmt.Errorf("output is closed")
	}
	m.entries = append(m.entries, entry)
	return nil
}

func (m *MockOutput) Sync() error {
	return nil
}

func (m *MockOutput) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

func (m *MockOutput) GetEntries() []LogEntry {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.entries
}

func TestNewLogger(t *testing.T) {
	mockOutput := NewMockOutput()
	defaultFields := map[string]interface{}{
		"problem": "funnel",
		"nsims":   100,
	}

	cfg := Config{
		Severity:      INFO,
		Outputs:       []Output{mockOutput},
		DefaultFields: defaultFields,
	}

	logger := NewLogger(cfg)

	assert.Equal(t, INFO, logger.severity)
	assert.Equal(t, defaultFields, logger.fields)
}

func TestSeverityFiltering(t *testing.T) {
	mockOutput := NewMockOutput()
	logger := NewLogger(Config{
		Severity: WARN,
		Outputs:  []Output{mockOutput},
	})

	ctx := context.Background()
	logger.Debug(ctx, "dropped")
	logger.Info(ctx, "dropped")
	logger.Warn(ctx, "kept")
	logger.Error(ctx, "kept")

	entries := mockOutput.GetEntries()
	require.Len(t, entries, 2)
	assert.Equal(t, WARN, entries[0].Severity)
	assert.Equal(t, ERROR, entries[1].Severity)
}

func TestRunStateEnrichment(t *testing.T) {
	mockOutput := NewMockOutput()
	logger := NewLogger(Config{
		Severity: DEBUG,
		Outputs:  []Output{mockOutput},
	})

	ctx := core.WithExecutionState(context.Background())
	state := core.GetExecutionState(ctx)
	state.SetIteration(4)

	spanCtx, _ := core.StartSpan(ctx, "estimate_j")
	logger.Info(spanCtx, "inside span")
	core.EndSpan(spanCtx)

	logger.Info(ctx, "outside span")

	entries := mockOutput.GetEntries()
	require.Len(t, entries, 2)

	assert.Equal(t, state.RunID(), entries[0].RunID)
	assert.Equal(t, 4, entries[0].Iteration)
	assert.Equal(t, "estimate_j", entries[0].Fields["span"])

	assert.Equal(t, state.RunID(), entries[1].RunID)
	_, hasSpan := entries[1].Fields["span"]
	assert.False(t, hasSpan, "no span field once the span is closed")
}

func TestContextWithoutState(t *testing.T) {
	mockOutput := NewMockOutput()
	logger := NewLogger(Config{
		Severity: DEBUG,
		Outputs:  []Output{mockOutput},
	})

	logger.Info(context.Background(), "plain")

	entries := mockOutput.GetEntries()
	require.Len(t, entries, 1)
	assert.Empty(t, entries[0].RunID)
	assert.Zero(t, entries[0].Iteration)
}

func TestGlobalLogger(t *testing.T) {
	// Test default logger creation
	logger1 := GetLogger()
	assert.NotNil(t, logger1)

	// Test setting custom logger
	mockOutput := NewMockOutput()
	customLogger := NewLogger(Config{
		Severity: DEBUG,
		Outputs:  []Output{mockOutput},
	})
	SetLogger(customLogger)

	logger2 := GetLogger()
	assert.Equal(t, customLogger, logger2)
}

func TestConcurrentLogging(t *testing.T) {
	mockOutput := NewMockOutput()
	logger := NewLogger(Config{
		Severity: DEBUG,
		Outputs:  []Output{mockOutput},
	})

	var wg sync.WaitGroup
	numGoroutines := 100
	messagesPerGoroutine := 100

	for i := 0; i < numGoroutines; i++ {
		wg.Add(1)
		go func(routineID int) {
			defer wg.Done()
			for j := 0; j < messagesPerGoroutine; j++ {
				logger.Info(context.Background(), "message from routine %d: %d", routineID, j)
			}
		}(i)
	}

	wg.Wait()

	entries := mockOutput.GetEntries()
	assert.Equal(t, numGoroutines*messagesPerGoroutine, len(entries))
}

func TestFormatFieldsSorted(t *testing.T) {
	fields := map[string]interface{}{
		"zeta":  1,
		"alpha": 2,
		"mid":   3,
	}

	formatted := formatFields(fields)
	assert.Equal(t, "alpha=2 mid=3 zeta=1", formatted)
	assert.Empty(t, formatFields(nil))
}

func TestShortRunID(t *testing.T) {
	assert.Equal(t, "0b69858b", shortRunID("0b69858b-9d57-4f38-a3c2-6a0e1f7b2c91"))
	assert.Equal(t, "plain", shortRunID("plain"))
}
