// Package db implements the §4.8 Collection API and the §5 concurrency
// model: Root/Database/Collection wrap storage.Store, query.Compile,
// update.Apply, index.Manager and aggregate.Build into the public surface
// callers actually use.
package db

import (
	"sync"

	"github.com/dddevid/mainydb/storage"
)

// Root owns the store and the lazily-populated set of databases (§3:
// "Root is created on first store open"). The root lock guards only the
// shape of the databases map, per §5's two-level lock hierarchy; it is
// never held while a collection operation runs.
type Root struct {
	mu        sync.Mutex
	store     *storage.Store
	databases map[string]*Database
}

// Open loads path via storage.Open and rehydrates every database and
// collection (and their index managers) found in it.
func Open(path string) (*Root, error) {
	st, err := storage.Open(path)
	if err != nil {
		return nil, err
	}
	r := &Root{store: st, databases: map[string]*Database{}}
	var loadErr error
	st.View(func(rd *storage.RootData) {
		for dbName, dbData := range rd.Databases {
			d := &Database{root: r, name: dbName, collections: map[string]*Collection{}}
			for collName, cd := range dbData.Collections {
				c, err := newCollectionFromData(r, d, collName, cd)
				if err != nil {
					loadErr = err
					return
				}
				d.collections[collName] = c
			}
			r.databases[dbName] = d
		}
	})
	if loadErr != nil {
		return nil, loadErr
	}
	return r, nil
}

// Database returns the named database, creating it in memory on first
// reference (§9: "attribute-style access ... reduces to a lookup-or-create
// keyed by string"). It is not persisted until a write happens within it.
func (r *Root) Database(name string) *Database {
	r.mu.Lock()
	defer r.mu.Unlock()
	if d, ok := r.databases[name]; ok {
		return d
	}
	d := &Database{root: r, name: name, collections: map[string]*Collection{}}
	r.databases[name] = d
	return d
}

// DatabaseNames returns every database name with at least one reference so
// far (created lazily, possibly still unpersisted).
func (r *Root) DatabaseNames() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.databases))
	for name := range r.databases {
		out = append(out, name)
	}
	return out
}

// Flush forces an explicit checkpoint (§4.1).
func (r *Root) Flush() error { return r.store.Flush() }

// Close performs a blocking checkpoint and marks the store closed.
func (r *Root) Close() error { return r.store.Close() }
