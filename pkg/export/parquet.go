// Package export writes the raw per-simulation estimator inputs to parquet
// for post-hoc analysis: the score vectors behind J and the per-simulation
// Jacobian estimates behind H, in long format (kind, sim, row, col, value).
package export

import (
	"os"

	"github.com/apache/arrow/go/v13/arrow"
	"github.com/apache/arrow/go/v13/arrow/array"
	"github.com/apache/arrow/go/v13/arrow/memory"
	"github.com/apache/arrow/go/v13/parquet"
	"github.com/apache/arrow/go/v13/parquet/pqarrow"

	"github.com/marius311/muse-go/pkg/errors"
	"github.com/marius311/muse-go/pkg/muse"
)

// Row kinds.
const (
	KindScore    = "score"    // res.Gs: row is the score component, col is 0
	KindJacobian = "jacobian" // res.Hs: row and col index the Jacobian entry
)

var schema = arrow.NewSchema([]arrow.Field{
	{Name: "kind", Type: arrow.BinaryTypes.String},
	{Name: "sim", Type: arrow.PrimitiveTypes.Int32},
	{Name: "row", Type: arrow.PrimitiveTypes.Int32},
	{Name: "col", Type: arrow.PrimitiveTypes.Int32},
	{Name: "value", Type: arrow.PrimitiveTypes.Float64},
}, nil)

// WriteParquet dumps the result's per-simulation scores and Jacobians to a
// parquet file at path. A result with neither is an error; a run has to have
// estimated J or H before there is anything to export.
func WriteParquet(path string, res *muse.Result) error {
	if res == nil || (len(res.Gs) == 0 && len(res.Hs) == 0) {
		return errors.New(errors.InvalidInput, "result has no score or jacobian samples to export")
	}

	b := array.NewRecordBuilder(memory.DefaultAllocator, schema)
	defer b.Release()

	kind := b.Field(0).(*array.StringBuilder)
	sim := b.Field(1).(*array.Int32Builder)
	row := b.Field(2).(*array.Int32Builder)
	col := b.Field(3).(*array.Int32Builder)
	value := b.Field(4).(*array.Float64Builder)

	for i, g := range res.Gs {
		for r, v := range g {
			kind.Append(KindScore)
			sim.Append(int32(i))
			row.Append(int32(r))
			col.Append(0)
			value.Append(v)
		}
	}
	for i, h := range res.Hs {
		nr, nc := h.Dims()
		for r := 0; r < nr; r++ {
			for c := 0; c < nc; c++ {
				kind.Append(KindJacobian)
				sim.Append(int32(i))
				row.Append(int32(r))
				col.Append(int32(c))
				value.Append(h.At(r, c))
			}
		}
	}

	rec := b.NewRecord()
	defer rec.Release()
	tbl := array.NewTableFromRecords(schema, []arrow.Record{rec})
	defer tbl.Release()

	f, err := os.Create(path)
	if err != nil {
		return errors.Wrap(err, errors.InvalidInput, "create export file")
	}
	defer f.Close()

	if err := pqarrow.WriteTable(tbl, f, tbl.NumRows(), parquet.NewWriterProperties(), pqarrow.DefaultWriterProps()); err != nil {
		return errors.Wrap(err, errors.Unknown, "write parquet table")
	}
	return nil
}
