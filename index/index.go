// Package index implements the §4.5 Index Manager: ordered secondary
// indexes per collection, uniqueness enforcement, and (in planner.go) the
// §4.6 access-path planner.
package index

import (
	"sort"
	"sync"

	"github.com/dddevid/mainydb/core"
	"github.com/dddevid/mainydb/storage"
)

// KeySpec is one (field_path, direction) pair of an index's key list.
type KeySpec struct {
	Path string
	Dir  int8 // +1 ascending, -1 descending
}

func dirSign(d int8) int {
	if d < 0 {
		return -1
	}
	return 1
}

// Index is an ordered multimap from key tuple to the set of document ids in
// its collection whose fields at the index's key paths form that tuple
// (§3 "Index"). Entries are kept sorted by the tuple, with each key's
// direction folded into the comparator so slice order already matches the
// index's declared iteration order (enabling sort pushdown, §4.6).
type Index struct {
	Name   string
	Keys   []KeySpec
	Unique bool

	mu      sync.RWMutex
	entries []entry
}

type entry struct {
	Key []core.Value
	IDs map[core.DocumentID]struct{}
}

// New creates an empty index definition; call Build to populate it from a
// document set.
func New(name string, keys []KeySpec, unique bool) *Index {
	return &Index{Name: name, Keys: keys, Unique: unique}
}

// KeyTuple computes the key tuple for a document: a missing field
// contributes null at that position (§3).
func (ix *Index) KeyTuple(doc *core.Document) []core.Value {
	tuple := make([]core.Value, len(ix.Keys))
	for i, k := range ix.Keys {
		v, ok := core.GetPath(doc, k.Path)
		if !ok {
			tuple[i] = core.Null()
		} else {
			tuple[i] = v
		}
	}
	return tuple
}

func (ix *Index) compare(a, b []core.Value) int {
	for i := range ix.Keys {
		if c := core.Compare(a[i], b[i]); c != 0 {
			return c * dirSign(ix.Keys[i].Dir)
		}
	}
	return 0
}

// search returns the slice index of the first entry >= key (per ix.compare).
func (ix *Index) search(key []core.Value) int {
	return sort.Search(len(ix.entries), func(i int) bool {
		return ix.compare(ix.entries[i].Key, key) >= 0
	})
}

// Build scans docs and populates the index from scratch. If Unique and a
// duplicate key tuple is found, the build aborts and the index is left
// unpopulated (§4.5: "leave no partial index").
func (ix *Index) Build(docs []*core.Document) error {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	fresh := &Index{Name: ix.Name, Keys: ix.Keys, Unique: ix.Unique}
	for _, doc := range docs {
		if err := fresh.insertLocked(doc); err != nil {
			return err
		}
	}
	ix.entries = fresh.entries
	return nil
}

// Insert adds doc's key tuple to the index, enforcing uniqueness.
func (ix *Index) Insert(doc *core.Document) error {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	return ix.insertLocked(doc)
}

func (ix *Index) insertLocked(doc *core.Document) error {
	id := doc.ID()
	key := ix.KeyTuple(doc)
	i := ix.search(key)
	if i < len(ix.entries) && ix.compare(ix.entries[i].Key, key) == 0 {
		if ix.Unique {
			for existing := range ix.entries[i].IDs {
				if existing != id {
					return core.NewError("index.Insert", core.KindDuplicateKey, nil)
				}
			}
		}
		ix.entries[i].IDs[id] = struct{}{}
		return nil
	}
	e := entry{Key: key, IDs: map[core.DocumentID]struct{}{id: {}}}
	ix.entries = append(ix.entries, entry{})
	copy(ix.entries[i+1:], ix.entries[i:])
	ix.entries[i] = e
	return nil
}

// Remove removes doc's id from the entry matching doc's current key tuple.
func (ix *Index) Remove(doc *core.Document) {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	key := ix.KeyTuple(doc)
	id := doc.ID()
	i := ix.search(key)
	if i >= len(ix.entries) || ix.compare(ix.entries[i].Key, key) != 0 {
		return
	}
	delete(ix.entries[i].IDs, id)
	if len(ix.entries[i].IDs) == 0 {
		ix.entries = append(ix.entries[:i], ix.entries[i+1:]...)
	}
}

// Update removes oldDoc's entry and inserts newDoc's, as one logical step;
// callers typically only call this when the indexed fields actually
// changed (§4.5).
func (ix *Index) Update(oldDoc, newDoc *core.Document) error {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	oldKey := ix.KeyTuple(oldDoc)
	id := oldDoc.ID()
	i := ix.search(oldKey)
	if i < len(ix.entries) && ix.compare(ix.entries[i].Key, oldKey) == 0 {
		delete(ix.entries[i].IDs, id)
		if len(ix.entries[i].IDs) == 0 {
			ix.entries = append(ix.entries[:i], ix.entries[i+1:]...)
		}
	}
	if err := ix.insertLocked(newDoc); err != nil {
		// roll back: reinsert the old entry to preserve the one-to-one
		// correspondence invariant (§3) since the caller's document set
		// still contains oldDoc at this point.
		_ = ix.insertLocked(oldDoc)
		return err
	}
	return nil
}

// KeyChanged reports whether any of the index's key paths differ between
// the two documents.
func (ix *Index) KeyChanged(oldDoc, newDoc *core.Document) bool {
	a, b := ix.KeyTuple(oldDoc), ix.KeyTuple(newDoc)
	for i := range a {
		if core.Compare(a[i], b[i]) != 0 {
			return true
		}
	}
	return false
}

// Def returns the persisted shape of this index definition.
func (ix *Index) Def() storage.IndexDef {
	keys := make([]storage.KeyDir, len(ix.Keys))
	for i, k := range ix.Keys {
		keys[i] = storage.KeyDir{Path: k.Path, Dir: k.Dir}
	}
	return storage.IndexDef{Name: ix.Name, Keys: keys, Unique: ix.Unique}
}

// EqualityIDs returns ids whose key tuple's first len(prefix) components
// equal prefix exactly, in index order.
func (ix *Index) EqualityIDs(prefix []core.Value) []core.DocumentID {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	lo, hi := ix.prefixBoundsLocked(prefix)
	var out []core.DocumentID
	for i := lo; i < hi; i++ {
		out = append(out, sortedIDs(ix.entries[i].IDs)...)
	}
	return out
}

// RangeIDs returns ids whose key tuple matches prefix exactly on its first
// len(prefix) components, and whose component at position len(prefix)
// satisfies the given bounds (either bound may be nil for an open end).
func (ix *Index) RangeIDs(prefix []core.Value, lower *core.Value, lowerIncl bool, upper *core.Value, upperIncl bool) []core.DocumentID {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	lo, hi := ix.prefixBoundsLocked(prefix)
	pos := len(prefix)
	var out []core.DocumentID
	for i := lo; i < hi; i++ {
		if pos < len(ix.entries[i].Key) {
			v := ix.entries[i].Key[pos]
			if lower != nil {
				c := core.Compare(v, *lower)
				if c < 0 || (c == 0 && !lowerIncl) {
					continue
				}
			}
			if upper != nil {
				c := core.Compare(v, *upper)
				if c > 0 || (c == 0 && !upperIncl) {
					continue
				}
			}
		}
		out = append(out, sortedIDs(ix.entries[i].IDs)...)
	}
	return out
}

// AllIDsOrdered returns every id in index order, ascending if asc else
// reversed. Used for sort pushdown over an unfiltered or coarsely-filtered
// scan (§4.6).
func (ix *Index) AllIDsOrdered(asc bool) []core.DocumentID {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	var out []core.DocumentID
	if asc {
		for _, e := range ix.entries {
			out = append(out, sortedIDs(e.IDs)...)
		}
	} else {
		for i := len(ix.entries) - 1; i >= 0; i-- {
			out = append(out, sortedIDs(ix.entries[i].IDs)...)
		}
	}
	return out
}

func (ix *Index) prefixBoundsLocked(prefix []core.Value) (int, int) {
	if len(prefix) == 0 {
		return 0, len(ix.entries)
	}
	lo := sort.Search(len(ix.entries), func(i int) bool {
		return ix.comparePrefix(ix.entries[i].Key, prefix) >= 0
	})
	hi := sort.Search(len(ix.entries), func(i int) bool {
		return ix.comparePrefix(ix.entries[i].Key, prefix) > 0
	})
	return lo, hi
}

// comparePrefix compares key's leading components against prefix the same
// way ix.compare orders full tuples: each component's natural comparison is
// signed by that key's declared direction, so entries stay correctly
// bisectable by sort.Search even when a prefix key is descending (Dir: -1).
func (ix *Index) comparePrefix(key, prefix []core.Value) int {
	for i, p := range prefix {
		if i >= len(key) {
			return -1
		}
		if c := core.Compare(key[i], p); c != 0 {
			return c * dirSign(ix.Keys[i].Dir)
		}
	}
	return 0
}

// sortedIDs returns a deterministic order for ids sharing one key tuple
// (the set itself carries no order), so repeated queries are stable.
func sortedIDs(m map[core.DocumentID]struct{}) []core.DocumentID {
	out := make([]core.DocumentID, 0, len(m))
	for id := range m {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
