package core

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// ExecutionState holds the mutable state for one estimation run: its
// identity, the solver iteration currently executing, and the span tree of
// in-flight operations.
type ExecutionState struct {
	mu sync.RWMutex

	runID     string
	iteration int

	spans []*Span
	open  []*Span // stack of unfinished spans, innermost last

	annotations map[string]interface{}
}

// Span represents a single operation within the run.
type Span struct {
	ID          string
	ParentID    string
	Operation   string
	StartTime   time.Time
	EndTime     time.Time
	Error       error
	Annotations map[string]interface{}
}

type spanIDGenerator struct {
	// counter ensures uniqueness even with identical timestamps
	counter uint64
}

// ExecutionContextKey is the type for context keys specific to this module.
type ExecutionContextKey struct {
	name string
}

var (
	stateKey         = &ExecutionContextKey{"muse-state"}
	defaultGenerator = &spanIDGenerator{}
)

// WithExecutionState creates a new context carrying run state. If the context
// already has one, it is returned unchanged.
func WithExecutionState(ctx context.Context) context.Context {
	if GetExecutionState(ctx) != nil {
		return ctx
	}
	return context.WithValue(ctx, stateKey, &ExecutionState{
		runID:       uuid.NewString(),
		annotations: make(map[string]interface{}),
		spans:       make([]*Span, 0),
	})
}

// WithRunID returns a context whose execution state carries the given run ID,
// creating the state if the context has none. Resuming a checkpointed run
// uses this so its log entries and snapshots stay keyed to the original run.
func WithRunID(ctx context.Context, runID string) context.Context {
	ctx = WithExecutionState(ctx)
	state := GetExecutionState(ctx)
	state.mu.Lock()
	state.runID = runID
	state.mu.Unlock()
	return ctx
}

// GetExecutionState retrieves the execution state from a context, nil when
// absent.
func GetExecutionState(ctx context.Context) *ExecutionState {
	if ctx == nil {
		return nil
	}
	if state, ok := ctx.Value(stateKey).(*ExecutionState); ok {
		return state
	}
	return nil
}

// StartSpan begins a new operation span nested under the currently open one.
func StartSpan(ctx context.Context, operation string) (context.Context, *Span) {
	state := GetExecutionState(ctx)
	if state == nil {
		ctx = WithExecutionState(ctx)
		state = GetExecutionState(ctx)
	}

	state.mu.Lock()
	defer state.mu.Unlock()

	span := &Span{
		ID:          generateSpanID(),
		Operation:   operation,
		StartTime:   time.Now(),
		Annotations: make(map[string]interface{}),
	}

	if n := len(state.open); n > 0 {
		span.ParentID = state.open[n-1].ID
	}

	state.spans = append(state.spans, span)
	state.open = append(state.open, span)

	return ctx, span
}

// EndSpan completes the innermost open span, restoring its parent as the
// active one.
func EndSpan(ctx context.Context) {
	if state := GetExecutionState(ctx); state != nil {
		state.mu.Lock()
		defer state.mu.Unlock()

		if n := len(state.open); n > 0 {
			state.open[n-1].EndTime = time.Now()
			state.open = state.open[:n-1]
		}
	}
}

// State modification methods.
func (s *ExecutionState) SetIteration(i int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.iteration = i
}

func (s *ExecutionState) WithAnnotation(key string, value interface{}) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.annotations[key] = value
}

// State access methods.
func (s *ExecutionState) RunID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.runID
}

func (s *ExecutionState) Iteration() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.iteration
}

func (s *ExecutionState) Annotation(key string) (interface{}, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.annotations[key]
	return v, ok
}

func (s *ExecutionState) CurrentSpan() *Span {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if n := len(s.open); n > 0 {
		return s.open[n-1]
	}
	return nil
}

// Span methods.
func (s *Span) WithError(err error) {
	s.Error = err
}

func (s *Span) WithAnnotation(key string, value interface{}) {
	s.Annotations[key] = value
}

// Duration reports how long the span ran, zero while it is still open.
func (s *Span) Duration() time.Duration {
	if s.EndTime.IsZero() {
		return 0
	}
	return s.EndTime.Sub(s.StartTime)
}

// CollectSpans returns a snapshot of every span recorded so far.
func CollectSpans(ctx context.Context) []*Span {
	if state := GetExecutionState(ctx); state != nil {
		state.mu.RLock()
		defer state.mu.RUnlock()

		spans := make([]*Span, len(state.spans))
		copy(spans, state.spans)
		return spans
	}
	return nil
}

// generateSpanID creates a new unique span identifier.
// The format is: 8 bytes total
// - 4 bytes: timestamp (seconds since epoch)
// - 2 bytes: counter
// - 2 bytes: random data
// This provides temporal ordering, a uniqueness guarantee, and collision
// resistance, in that order.
func generateSpanID() string {
	now := time.Now().Unix()

	counter := atomic.AddUint64(&defaultGenerator.counter, 1)

	id := make([]byte, 8)

	id[0] = byte(now >> 24)
	id[1] = byte(now >> 16)
	id[2] = byte(now >> 8)
	id[3] = byte(now)

	id[4] = byte(counter >> 8)
	id[5] = byte(counter)

	if _, err := rand.Read(id[6:]); err != nil {
		// Fall back to more counter bits if random fails
		id[6] = byte(counter >> 16)
		id[7] = byte(counter >> 24)
	}

	return hex.EncodeToString(id)
}
