package muse

import (
	"bytes"
	"encoding/gob"
	"time"

	"gonum.org/v1/gonum/mat"

	"github.com/marius311/muse-go/pkg/checkpoint"
	"github.com/marius311/muse-go/pkg/errors"
	"github.com/marius311/muse-go/pkg/linalg"
)

func init() {
	// Metadata is map[string]any; concrete value types crossing the gob
	// boundary must be registered.
	gob.Register(linalg.CGDiagnostics{})
	gob.Register([]linalg.CGDiagnostics{})
	gob.Register(time.Duration(0))
	gob.Register([]float64{})
}

// resultState is the gob payload inside a checkpoint snapshot. Sigma and the
// derived distribution are omitted; they are rebuilt from H, J, Theta and
// PriorHessian on load.
type resultState struct {
	RunID        string
	Status       Status
	Theta        []float64
	History      []HistoryRecord
	Gs           [][]float64
	Hs           []*mat.Dense
	H            *mat.Dense
	J            *mat.Dense
	PriorHessian *mat.Dense
	RNG          []byte
	DataLatent   []float64
	SimLatents   [][]float64
	Metadata     map[string]any
	Time         time.Duration
}

// Snapshot encodes the result into a checkpoint snapshot.
func (r *Result) Snapshot() (*checkpoint.Snapshot, error) {
	state := resultState{
		RunID:        r.RunID,
		Status:       r.Status,
		Theta:        r.Theta,
		History:      r.History,
		Gs:           r.Gs,
		Hs:           r.Hs,
		H:            r.H,
		J:            r.J,
		PriorHessian: r.PriorHessian,
		RNG:          r.RNG,
		DataLatent:   r.DataLatent,
		SimLatents:   r.SimLatents,
		Metadata:     r.Metadata,
		Time:         r.Time,
	}
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(&state); err != nil {
		return nil, errors.Wrap(err, errors.CheckpointFailed, "encode result")
	}
	return &checkpoint.Snapshot{
		RunID:     r.RunID,
		Iteration: len(r.History),
		Theta:     append([]float64(nil), r.Theta...),
		Elapsed:   r.Time,
		CreatedAt: time.Now(),
		State:     buf.Bytes(),
	}, nil
}

// FromSnapshot decodes a checkpoint snapshot back into a result. The
// covariance is rebuilt when the snapshot carried H, J and the prior
// curvature.
func FromSnapshot(snap *checkpoint.Snapshot) (*Result, error) {
	if snap == nil || len(snap.State) == 0 {
		return nil, errors.New(errors.InvalidInput, "snapshot carries no state")
	}
	var state resultState
	if err := gob.NewDecoder(bytes.NewReader(snap.State)).Decode(&state); err != nil {
		return nil, errors.Wrap(err, errors.CheckpointFailed, "decode result")
	}
	res := &Result{
		RunID:        state.RunID,
		Status:       state.Status,
		Theta:        state.Theta,
		History:      state.History,
		Gs:           state.Gs,
		Hs:           state.Hs,
		H:            state.H,
		J:            state.J,
		PriorHessian: state.PriorHessian,
		RNG:          state.RNG,
		DataLatent:   state.DataLatent,
		SimLatents:   state.SimLatents,
		Metadata:     state.Metadata,
		Time:         state.Time,
	}
	if res.Metadata == nil {
		res.Metadata = make(map[string]any)
	}
	if res.H != nil && res.J != nil && res.PriorHessian != nil {
		if err := res.refreshCovariance(); err != nil {
			return nil, err
		}
	}
	return res, nil
}
