package muse

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/marius311/muse-go/internal/testutil"
	"github.com/marius311/muse-go/pkg/errors"
)

func TestNew(t *testing.T) {
	t.Run("nil problem", func(t *testing.T) {
		_, err := New(nil)
		require.Error(t, err)
		assert.True(t, errors.IsCode(err, errors.InvalidInput))
	})

	t.Run("defaults", func(t *testing.T) {
		s, err := New(&testutil.Problem{})
		require.NoError(t, err)
		assert.Equal(t, 100, s.opts.NSims)
		assert.Equal(t, 50, s.opts.MaxSteps)
		assert.InDelta(t, 0.01, s.opts.ThetaRtol, 1e-12)
		assert.InDelta(t, 0.01, s.opts.ZTol, 1e-12)
		assert.InDelta(t, 0.7, s.opts.Alpha, 1e-12)
		assert.Equal(t, HInvSims, s.opts.HInvUpdate)
		assert.Equal(t, HFiniteDifference, s.opts.HMode)
		assert.Equal(t, AxisAuto, s.opts.ParallelAxis)
		assert.True(t, s.opts.CorrectedJ)
		assert.NotNil(t, s.opts.Executor)
		assert.NotNil(t, s.opts.Reporter)
	})

	t.Run("invalid options", func(t *testing.T) {
		cases := []struct {
			name string
			opt  Option
		}{
			{"one simulation", WithNSims(1)},
			{"zero max steps", WithMaxSteps(0)},
			{"zero theta rtol", WithThetaRtol(0)},
			{"negative z tol", WithZTol(-1)},
			{"zero alpha", WithAlpha(0)},
			{"negative broyden memory", WithBroydenMemory(-1)},
			{"negative h nsims", WithHNSims(-1)},
			{"zero fd step fraction", WithFDStepFraction(0)},
			{"nil executor", WithExecutor(nil)},
			{"nil reporter", WithReporter(nil)},
		}
		for _, tc := range cases {
			t.Run(tc.name, func(t *testing.T) {
				_, err := New(&testutil.Problem{}, tc.opt)
				require.Error(t, err)
				assert.True(t, errors.IsCode(err, errors.ValidationFailed))
			})
		}
	})

	t.Run("alpha schedule permits zero alpha", func(t *testing.T) {
		_, err := New(&testutil.Problem{},
			WithAlpha(0),
			WithAlphaSchedule(func(int) float64 { return 1 }))
		assert.NoError(t, err)
	})
}

func TestEnumParsing(t *testing.T) {
	t.Run("hinv update round trips", func(t *testing.T) {
		for _, want := range []HInvUpdate{HInvSims, HInvBroyden, HInvBroydenDiagonal} {
			got, err := ParseHInvUpdate(want.String())
			require.NoError(t, err)
			assert.Equal(t, want, got)
		}
	})

	t.Run("h mode round trips", func(t *testing.T) {
		for _, want := range []HMode{HFiniteDifference, HImplicitDiff} {
			got, err := ParseHMode(want.String())
			require.NoError(t, err)
			assert.Equal(t, want, got)
		}
	})

	t.Run("parallel axis round trips", func(t *testing.T) {
		for _, want := range []ParallelAxis{AxisAuto, AxisSims, AxisCoordinates} {
			got, err := ParseParallelAxis(want.String())
			require.NoError(t, err)
			assert.Equal(t, want, got)
		}
	})

	t.Run("empty spelling means default", func(t *testing.T) {
		u, err := ParseHInvUpdate("")
		require.NoError(t, err)
		assert.Equal(t, HInvSims, u)

		m, err := ParseHMode("")
		require.NoError(t, err)
		assert.Equal(t, HFiniteDifference, m)

		a, err := ParseParallelAxis("")
		require.NoError(t, err)
		assert.Equal(t, AxisAuto, a)
	})

	t.Run("unknown spellings", func(t *testing.T) {
		_, err := ParseHInvUpdate("bogus")
		assert.True(t, errors.IsCode(err, errors.InvalidInput))
		_, err = ParseHMode("bogus")
		assert.True(t, errors.IsCode(err, errors.InvalidInput))
		_, err = ParseParallelAxis("bogus")
		assert.True(t, errors.IsCode(err, errors.InvalidInput))
	})
}

func TestDerivedOptions(t *testing.T) {
	t.Run("h nsims defaults to a tenth", func(t *testing.T) {
		o := defaultOptions()
		assert.Equal(t, 10, o.hNSims())

		o.NSims = 5
		assert.Equal(t, 1, o.hNSims())

		o.HNSims = 7
		assert.Equal(t, 7, o.hNSims())
	})

	t.Run("alpha schedule overrides the constant", func(t *testing.T) {
		o := defaultOptions()
		assert.InDelta(t, 0.7, o.alpha(1), 1e-12)
		assert.InDelta(t, 0.7, o.alpha(9), 1e-12)

		o.AlphaSchedule = func(iteration int) float64 { return 1 / float64(iteration) }
		assert.InDelta(t, 1.0, o.alpha(1), 1e-12)
		assert.InDelta(t, 0.25, o.alpha(4), 1e-12)
	})
}
