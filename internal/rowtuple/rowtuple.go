// Package rowtuple holds the single type that crosses from the parser to
// the writer: one parsed record, already reordered into table-parameter
// order, on its way to becoming one row of a batched INSERT.
package rowtuple

import (
	"strings"

	"github.com/torrentg/log2pg/internal/entities"
)

// Row is one record parsed from a watched file, with its captured values
// already permuted into the destination table's parameter order (see
// entities.WatchedFile.ParamCaptureIndex).
type Row struct {
	// File is the watched-file descriptor this row was parsed against; it
	// names the destination Table and, transitively, the positional SQL
	// to execute.
	File *entities.WatchedFile

	// Values holds one string per table parameter, in table-parameter
	// order (Values[i] corresponds to File.Table.Params[i]).
	Values []string
}

// New builds a Row from a full set of format captures (in format-capture
// order) by permuting them through file.ParamCaptureIndex into table
// parameter order.
func New(file *entities.WatchedFile, captures []string) Row {
	values := make([]string, len(file.ParamCaptureIndex))
	for i, ci := range file.ParamCaptureIndex {
		values[i] = captures[ci]
	}
	return Row{File: file, Values: values}
}

// Args returns Values as a []any, the shape pgx's positional-parameter
// Exec/Query variants expect for File.Table.PositionalSQL.
func (r Row) Args() []any {
	args := make([]any, len(r.Values))
	for i, v := range r.Values {
		args[i] = v
	}
	return args
}

// Bytes returns the contiguous, NUL-separated byte representation of
// Values: each value's bytes followed by a single 0x00, back to back, with
// no length prefix or trailing separator reasoning beyond "one NUL per
// value". This mirrors the original project's C-side row representation
// (an array of NUL-terminated C strings backed by one allocation) for
// callers that need that exact shape; the writer's hot path uses Args
// instead and never calls this.
func (r Row) Bytes() []byte {
	var b strings.Builder
	for _, v := range r.Values {
		b.WriteString(v)
		b.WriteByte(0)
	}
	return []byte(b.String())
}
