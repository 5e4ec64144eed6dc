// Package aggregate implements the §4.7 Aggregation Engine: a pipeline of
// lazy cursors composed stage by stage, plus the expression evaluator used
// inside $project/$addFields/$group.
package aggregate

import (
	"context"

	"github.com/dddevid/mainydb/core"
)

// Cursor yields documents one at a time, the generalization of the
// teacher's single-callback ScanCollection into something stages can chain:
// $lookup needs a second collection's cursor open at the same time as the
// input's, and cancellation needs a place to be checked between stages.
type Cursor interface {
	Next(ctx context.Context) (*core.Document, bool, error)
}

// LookupSource resolves the right-hand side of a $lookup stage. Callers
// (the db package) supply an implementation backed by their collection set
// so aggregate never needs to import db or index directly.
type LookupSource interface {
	// Lookup returns every document in collection "from" whose value at
	// foreignField query-equals key, using an index on foreignField when
	// one covers it and falling back to a full scan otherwise.
	Lookup(ctx context.Context, from, foreignField string, key core.Value) ([]*core.Document, error)
}

// sliceCursor replays an already-materialized document set. It feeds a
// pipeline's source documents; blocking stages ($group, $sort, $count)
// replay their buffered output through onceCursor instead.
type sliceCursor struct {
	docs []*core.Document
	i    int
}

// NewSliceCursor wraps docs as a Cursor, also the entry point for feeding a
// collection scan or index access path into the pipeline.
func NewSliceCursor(docs []*core.Document) Cursor { return &sliceCursor{docs: docs} }

func (c *sliceCursor) Next(ctx context.Context) (*core.Document, bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, false, core.NewError("aggregate.Cursor.Next", core.KindCancelled, err)
	}
	if c.i >= len(c.docs) {
		return nil, false, nil
	}
	d := c.docs[c.i]
	c.i++
	return d, true, nil
}

// funcCursor adapts a pull closure into a Cursor, used by every streaming
// stage ($match, $project, $addFields, $limit, $skip, $unwind, $lookup).
type funcCursor struct {
	pull func(ctx context.Context) (*core.Document, bool, error)
}

func (c *funcCursor) Next(ctx context.Context) (*core.Document, bool, error) { return c.pull(ctx) }

// checkEvery is how often a blocking stage re-checks ctx between buffered
// rows, cheap enough not to matter but frequent enough that a cancelled
// aggregation over a large collection doesn't run to completion regardless.
const checkEvery = 256

// Drain pulls every document from cur into a slice, honoring cancellation.
func Drain(ctx context.Context, cur Cursor) ([]*core.Document, error) {
	var out []*core.Document
	for i := 0; ; i++ {
		if i%checkEvery == 0 {
			if err := ctx.Err(); err != nil {
				return nil, core.NewError("aggregate.Drain", core.KindCancelled, err)
			}
		}
		d, ok, err := cur.Next(ctx)
		if err != nil {
			return nil, err
		}
		if !ok {
			return out, nil
		}
		out = append(out, d)
	}
}
