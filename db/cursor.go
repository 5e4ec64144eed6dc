package db

import (
	"context"

	"github.com/dddevid/mainydb/core"
)

// Cursor is a §5 snapshot cursor: the matching id set is fixed at creation
// (under a read lock, already released by the time the caller holds this
// value), but each id's document contents are resolved live at yield time.
// A document deleted after the snapshot was taken is skipped, never
// surfaced as an error.
type Cursor struct {
	c          *Collection
	ids        []core.DocumentID
	i          int
	projection *core.Document
}

func newCursor(c *Collection, ids []core.DocumentID, projection *core.Document) *Cursor {
	return &Cursor{c: c, ids: ids, projection: projection}
}

// Next returns the next live document, or ok=false once the snapshot id set
// is exhausted.
func (cur *Cursor) Next(ctx context.Context) (*core.Document, bool, error) {
	for {
		if err := ctx.Err(); err != nil {
			return nil, false, core.NewError("db.Cursor.Next", core.KindCancelled, err)
		}
		if cur.i >= len(cur.ids) {
			return nil, false, nil
		}
		id := cur.ids[cur.i]
		cur.i++
		cur.c.mu.RLock()
		pos, ok := cur.c.pos[id]
		var d *core.Document
		if ok {
			d = cur.c.docs[pos]
		}
		cur.c.mu.RUnlock()
		if !ok {
			continue
		}
		return applyProjection(d, cur.projection), true, nil
	}
}

// ToList drains the cursor into a slice.
func (cur *Cursor) ToList(ctx context.Context) ([]*core.Document, error) {
	var out []*core.Document
	for {
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

// applyProjection implements find's projection shape (§4.8): inclusion
// (only listed fields plus _id unless explicitly excluded) or exclusion
// (listed fields removed), never both in the same document.
func applyProjection(d *core.Document, proj *core.Document) *core.Document {
	if proj == nil || proj.Len() == 0 {
		return d
	}
	idExcluded := false
	var includes, excludes []string
	anyInclude := false
	proj.Range(func(k string, v core.Value) bool {
		include := true
		if n, ok := v.AsInt64(); ok {
			include = n != 0
		} else if b, ok := v.AsBool(); ok {
			include = b
		}
		if include {
			if k != "_id" {
				includes = append(includes, k)
				anyInclude = true
			}
		} else {
			if k == "_id" {
				idExcluded = true
			} else {
				excludes = append(excludes, k)
			}
		}
		return true
	})
	out := core.NewDocument()
	if anyInclude {
		if !idExcluded {
			if v, ok := d.Get("_id"); ok {
				out.Set("_id", v)
			}
		}
		for _, p := range includes {
			if v, ok := core.GetPath(d, p); ok {
				core.SetPath(out, p, v)
			}
		}
		return out
	}
	d.Range(func(k string, v core.Value) bool {
		out.Set(k, v)
		return true
	})
	if idExcluded {
		out.Unset("_id")
	}
	for _, p := range excludes {
		out.Unset(p)
	}
	return out
}
