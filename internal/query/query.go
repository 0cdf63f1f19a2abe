// Package query evaluates simple filtered, sorted row selections against a
// snapshot.
package query

import (
	"context"
	"encoding/binary"
	"fmt"
	"math"
	"slices"
	"strings"

	"github.com/cespare/xxhash"

	"github.com/roach88/snapdb/internal/dberr"
	"github.com/roach88/snapdb/internal/store"
)

// Op is a filter comparison.
type Op int

const (
	OpEqual Op = iota
	OpNotEqual
	OpGreater
	OpLess
	OpContains
)

var opNames = map[Op]string{
	OpEqual:    "==",
	OpNotEqual: "!=",
	OpGreater:  ">",
	OpLess:     "<",
	OpContains: "contains",
}

func (o Op) String() string {
	if s, ok := opNames[o]; ok {
		return s
	}
	return fmt.Sprintf("Op(%d)", int(o))
}

// Filter is one column predicate.
type Filter struct {
	Column string
	Op     Op
	Value  store.Value
}

// Query selects rows of one table. Filters are ANDed.
type Query struct {
	Table   string
	Filters []Filter
	Sort    string
	Desc    bool
	Max     int

	err error
}

// New starts a query over table.
func New(table string) *Query {
	return &Query{Table: table}
}

func (q *Query) add(col string, op Op, v any) *Query {
	val, err := store.ValueOf(v)
	if err != nil && q.err == nil {
		q.err = dberr.New(dberr.CodeTypeMismatch, "query %s.%s: %v", q.Table, col, err)
	}
	q.Filters = append(q.Filters, Filter{Column: col, Op: op, Value: val})
	return q
}

func (q *Query) Equal(col string, v any) *Query    { return q.add(col, OpEqual, v) }
func (q *Query) NotEqual(col string, v any) *Query { return q.add(col, OpNotEqual, v) }
func (q *Query) Greater(col string, v any) *Query  { return q.add(col, OpGreater, v) }
func (q *Query) Less(col string, v any) *Query     { return q.add(col, OpLess, v) }

// Contains matches string columns holding sub.
func (q *Query) Contains(col, sub string) *Query { return q.add(col, OpContains, sub) }

// SortBy orders results by col. Without it results keep table order.
func (q *Query) SortBy(col string, desc bool) *Query {
	q.Sort, q.Desc = col, desc
	return q
}

// Limit caps the number of results. Zero means no limit.
func (q *Query) Limit(n int) *Query {
	q.Max = n
	return q
}

func (q *Query) String() string {
	var sb strings.Builder
	sb.WriteString(q.Table)
	for _, f := range q.Filters {
		fmt.Fprintf(&sb, " %s %s %v", f.Column, f.Op, store.Native(f.Value))
	}
	if q.Sort != "" {
		fmt.Fprintf(&sb, " sort %s", q.Sort)
		if q.Desc {
			sb.WriteString(" desc")
		}
	}
	if q.Max > 0 {
		fmt.Fprintf(&sb, " limit %d", q.Max)
	}
	return sb.String()
}

type boundFilter struct {
	col int
	Filter
}

func (q *Query) bind(ts *store.TableState) ([]boundFilter, int, error) {
	if q.err != nil {
		return nil, 0, q.err
	}
	bound := make([]boundFilter, len(q.Filters))
	for i, f := range q.Filters {
		col := ts.ColumnIndex(f.Column)
		if col < 0 {
			return nil, 0, dberr.New(dberr.CodeFieldNotFound, "table %s has no column %q", q.Table, f.Column)
		}
		want := ts.Column(col).Type
		if f.Op == OpContains && want != store.TypeString {
			return nil, 0, dberr.New(dberr.CodeTypeMismatch, "contains on %s column %s", want, f.Column)
		}
		if f.Value.Type() != want {
			return nil, 0, dberr.New(dberr.CodeTypeMismatch, "column %s is %s, filter value is %s", f.Column, want, f.Value.Type())
		}
		bound[i] = boundFilter{col: col, Filter: f}
	}
	sortCol := -1
	if q.Sort != "" {
		if sortCol = ts.ColumnIndex(q.Sort); sortCol < 0 {
			return nil, 0, dberr.New(dberr.CodeFieldNotFound, "table %s has no column %q", q.Table, q.Sort)
		}
	}
	return bound, sortCol, nil
}

func (f boundFilter) match(v store.Value) bool {
	switch f.Op {
	case OpEqual:
		return store.Equal(v, f.Value)
	case OpNotEqual:
		return !store.Equal(v, f.Value)
	case OpGreater:
		return store.Compare(v, f.Value) > 0
	case OpLess:
		return store.Compare(v, f.Value) < 0
	case OpContains:
		return strings.Contains(string(v.(store.String)), string(f.Value.(store.String)))
	}
	return false
}

// Evaluate runs q against snap. ctx is checked between rows; a cancelled
// evaluation returns ctx.Err().
func Evaluate(ctx context.Context, snap *store.Snapshot, q *Query) (*View, error) {
	ts, ok := snap.Table(q.Table)
	if !ok {
		return nil, dberr.New(dberr.CodeTableNotFound, "table %q does not exist", q.Table)
	}
	filters, sortCol, err := q.bind(ts)
	if err != nil {
		return nil, err
	}

	var idxs []int
	for i := 0; i < ts.Len(); i++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if matches(ts, i, filters) {
			idxs = append(idxs, i)
		}
	}

	if sortCol >= 0 {
		slices.SortStableFunc(idxs, func(a, b int) int {
			c := store.Compare(ts.Value(a, sortCol), ts.Value(b, sortCol))
			if q.Desc {
				return -c
			}
			return c
		})
	}
	if q.Max > 0 && len(idxs) > q.Max {
		idxs = idxs[:q.Max]
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	keys := make([]int64, len(idxs))
	for i, idx := range idxs {
		keys[i] = ts.Key(idx)
	}
	return &View{
		Table:       q.Table,
		Keys:        keys,
		Version:     snap.Version(),
		Fingerprint: fingerprint(ts, idxs),
	}, nil
}

// FindFirst returns the first row matching q, if any.
func FindFirst(ctx context.Context, snap *store.Snapshot, q *Query) (*View, error) {
	limited := *q
	limited.Max = 1
	return Evaluate(ctx, snap, &limited)
}

// Run evaluates q against the pinned snapshot. The returned view owns pin
// and releases it on Close; on error pin is released immediately.
func Run(ctx context.Context, pin *store.Pin, q *Query) (*View, error) {
	v, err := Evaluate(ctx, pin.Snapshot(), q)
	if err != nil {
		pin.Release()
		return nil, err
	}
	v.pin = pin
	return v, nil
}

func matches(ts *store.TableState, i int, filters []boundFilter) bool {
	for _, f := range filters {
		if !f.match(ts.Value(i, f.col)) {
			return false
		}
	}
	return true
}

// fingerprint hashes the selected rows' keys and values, so two views with
// the same fingerprint present the same data.
func fingerprint(ts *store.TableState, idxs []int) uint64 {
	h := xxhash.New()
	var buf [8]byte
	put := func(u uint64) {
		binary.LittleEndian.PutUint64(buf[:], u)
		h.Write(buf[:])
	}
	for _, idx := range idxs {
		put(uint64(ts.Key(idx)))
		for col := 0; col < ts.ColumnCount(); col++ {
			switch v := ts.Value(idx, col).(type) {
			case store.Int:
				put(uint64(v))
			case store.Double:
				put(math.Float64bits(float64(v)))
			case store.Bool:
				if v {
					put(1)
				} else {
					put(0)
				}
			case store.String:
				put(uint64(len(v)))
				h.Write([]byte(v))
			case store.Binary:
				put(uint64(len(v)))
				h.Write(v)
			}
		}
	}
	return h.Sum64()
}
