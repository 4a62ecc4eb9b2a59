package core

import (
	"context"
	stderrors "errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWithExecutionState(t *testing.T) {
	t.Run("creates state with run id", func(t *testing.T) {
		ctx := WithExecutionState(context.Background())
		state := GetExecutionState(ctx)
		require.NotNil(t, state)

		_, err := uuid.Parse(state.RunID())
		assert.NoError(t, err, "run id should be a UUID")
	})

	t.Run("idempotent", func(t *testing.T) {
		ctx := WithExecutionState(context.Background())
		state := GetExecutionState(ctx)

		ctx2 := WithExecutionState(ctx)
		assert.Same(t, state, GetExecutionState(ctx2))
	})

	t.Run("distinct runs get distinct ids", func(t *testing.T) {
		a := GetExecutionState(WithExecutionState(context.Background()))
		b := GetExecutionState(WithExecutionState(context.Background()))
		assert.NotEqual(t, a.RunID(), b.RunID())
	})
}

func TestGetExecutionStateAbsent(t *testing.T) {
	assert.Nil(t, GetExecutionState(context.Background()))
	assert.Nil(t, GetExecutionState(nil)) //nolint:staticcheck // nil context tolerance is part of the contract
}

func TestWithRunID(t *testing.T) {
	t.Run("creates state carrying the given ID", func(t *testing.T) {
		ctx := WithRunID(context.Background(), "run-123")
		require.NotNil(t, GetExecutionState(ctx))
		assert.Equal(t, "run-123", GetExecutionState(ctx).RunID())
	})

	t.Run("overrides the ID of an existing state", func(t *testing.T) {
		ctx := WithExecutionState(context.Background())
		state := GetExecutionState(ctx)

		ctx = WithRunID(ctx, "resumed-run")
		assert.Same(t, state, GetExecutionState(ctx))
		assert.Equal(t, "resumed-run", state.RunID())
	})
}

func TestIterationTracking(t *testing.T) {
	ctx := WithExecutionState(context.Background())
	state := GetExecutionState(ctx)

	assert.Zero(t, state.Iteration())

	state.SetIteration(7)
	assert.Equal(t, 7, state.Iteration())
}

func TestSpanNesting(t *testing.T) {
	ctx := WithExecutionState(context.Background())
	state := GetExecutionState(ctx)

	ctx, outer := StartSpan(ctx, "iteration")
	require.NotNil(t, outer)
	assert.Empty(t, outer.ParentID)
	assert.Same(t, outer, state.CurrentSpan())

	ctx, inner := StartSpan(ctx, "estimate_h")
	assert.Equal(t, outer.ID, inner.ParentID)
	assert.Same(t, inner, state.CurrentSpan())

	// Ending the inner span restores the outer one as active.
	EndSpan(ctx)
	assert.Same(t, outer, state.CurrentSpan())
	assert.False(t, inner.EndTime.IsZero())
	assert.True(t, outer.EndTime.IsZero())

	EndSpan(ctx)
	assert.Nil(t, state.CurrentSpan())
	assert.False(t, outer.EndTime.IsZero())

	// A spare EndSpan on an empty stack is harmless.
	EndSpan(ctx)
	assert.Nil(t, state.CurrentSpan())
}

func TestStartSpanWithoutState(t *testing.T) {
	// StartSpan bootstraps the state if the caller forgot WithExecutionState.
	ctx, span := StartSpan(context.Background(), "adhoc")
	require.NotNil(t, span)
	require.NotNil(t, GetExecutionState(ctx))
	assert.Equal(t, "adhoc", span.Operation)
}

func TestCollectSpans(t *testing.T) {
	ctx := WithExecutionState(context.Background())

	ctx, _ = StartSpan(ctx, "first")
	EndSpan(ctx)
	ctx, _ = StartSpan(ctx, "second")
	EndSpan(ctx)

	spans := CollectSpans(ctx)
	require.Len(t, spans, 2)
	assert.Equal(t, "first", spans[0].Operation)
	assert.Equal(t, "second", spans[1].Operation)

	assert.Nil(t, CollectSpans(context.Background()))
}

func TestSpanAnnotations(t *testing.T) {
	_, span := StartSpan(WithExecutionState(context.Background()), "estimate_j")

	span.WithAnnotation("nsims", 100)
	span.WithAnnotation("nfail", 2)
	assert.Equal(t, 100, span.Annotations["nsims"])
	assert.Equal(t, 2, span.Annotations["nfail"])

	errSolve := stderrors.New("solve failed")
	span.WithError(errSolve)
	assert.Equal(t, errSolve, span.Error)
}

func TestSpanDuration(t *testing.T) {
	ctx := WithExecutionState(context.Background())
	ctx, span := StartSpan(ctx, "timed")

	assert.Zero(t, span.Duration(), "open span has no duration yet")

	time.Sleep(time.Millisecond)
	EndSpan(ctx)
	assert.Greater(t, span.Duration(), time.Duration(0))
}

func TestStateAnnotations(t *testing.T) {
	state := GetExecutionState(WithExecutionState(context.Background()))

	_, ok := state.Annotation("missing")
	assert.False(t, ok)

	state.WithAnnotation("checkpoint", "/tmp/run.db")
	v, ok := state.Annotation("checkpoint")
	require.True(t, ok)
	assert.Equal(t, "/tmp/run.db", v)
}

func TestConcurrentSpanUse(t *testing.T) {
	ctx := WithExecutionState(context.Background())

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c, span := StartSpan(ctx, "task")
			span.WithAnnotation("k", 1)
			EndSpan(c)
		}()
	}
	wg.Wait()

	assert.Len(t, CollectSpans(ctx), 50)
}
