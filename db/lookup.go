package db

import (
	"context"

	"github.com/dddevid/mainydb/core"
	"github.com/dddevid/mainydb/index"
)

// dbLookupSource adapts Database into aggregate.LookupSource, satisfying
// §5's lock-order rule for $lookup: the source collection's read lock (held
// by Collection.Aggregate only long enough to copy its documents) is
// released before any call here acquires the foreign collection's own read
// lock, so the two collections are never held at once.
type dbLookupSource struct {
	d *Database
}

func (s *dbLookupSource) Lookup(ctx context.Context, from, foreignField string, key core.Value) ([]*core.Document, error) {
	s.d.mu.Lock()
	c, ok := s.d.collections[from]
	s.d.mu.Unlock()
	if !ok {
		return nil, nil
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	if ix, ok := findIndexByFirstKey(c.indexes, foreignField); ok {
		ids := ix.EqualityIDs([]core.Value{key})
		out := make([]*core.Document, 0, len(ids))
		for _, id := range ids {
			if pos, ok := c.pos[id]; ok {
				out = append(out, c.docs[pos])
			}
		}
		return out, nil
	}
	var out []*core.Document
	for _, d := range c.docs {
		v, ok := core.GetPath(d, foreignField)
		if !ok {
			continue
		}
		if core.CompareEqual(v, key) {
			out = append(out, d)
		}
	}
	return out, nil
}

// findIndexByFirstKey looks for a secondary index (including the implicit
// _id index) whose leading key path is path, for use as a $lookup join
// accelerant.
func findIndexByFirstKey(mgr *index.Manager, path string) (*index.Index, bool) {
	if id := mgr.IDIndex(); len(id.Keys) > 0 && id.Keys[0].Path == path {
		return id, true
	}
	for _, ix := range mgr.All() {
		if len(ix.Keys) > 0 && ix.Keys[0].Path == path {
			return ix, true
		}
	}
	return nil, false
}
