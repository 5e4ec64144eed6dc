package db

import (
	"fmt"
	"sync"

	"github.com/dddevid/mainydb/core"
	"github.com/dddevid/mainydb/storage"
)

// Database is a named mapping from collection name to Collection (§3).
type Database struct {
	mu          sync.Mutex
	root        *Root
	name        string
	collections map[string]*Collection
}

func (d *Database) Name() string { return d.name }

// Collection returns the named collection, creating it in memory on first
// reference; it is not persisted until a write happens within it.
func (d *Database) Collection(name string) *Collection {
	d.mu.Lock()
	defer d.mu.Unlock()
	if c, ok := d.collections[name]; ok {
		return c
	}
	c := newCollection(d.root, d, name)
	d.collections[name] = c
	return c
}

// CollectionExists reports whether name has been referenced (and possibly
// written to) without creating it as a side effect.
func (d *Database) CollectionExists(name string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, ok := d.collections[name]
	return ok
}

// CollectionNames returns every collection name referenced so far.
func (d *Database) CollectionNames() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]string, 0, len(d.collections))
	for name := range d.collections {
		out = append(out, name)
	}
	return out
}

// DropCollection removes the collection and its persisted state.
func (d *Database) DropCollection(name string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.collections[name]; !ok {
		return core.NewError("db.DropCollection", core.KindNotFound, fmt.Errorf("no such collection %q", name))
	}
	delete(d.collections, name)
	err := d.root.store.Mutate(d.name, name, "dropCollection", func(rd *storage.RootData) {
		if dbData, ok := rd.Databases[d.name]; ok {
			delete(dbData.Collections, name)
		}
	})
	log.Infow("collection dropped", "database", d.name, "collection", name, "err", err)
	return err
}

// RenameCollection renames a collection in place, keeping its documents and
// indexes intact.
func (d *Database) RenameCollection(oldName, newName string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	c, ok := d.collections[oldName]
	if !ok {
		return core.NewError("db.RenameCollection", core.KindNotFound, fmt.Errorf("no such collection %q", oldName))
	}
	if _, exists := d.collections[newName]; exists {
		return core.NewError("db.RenameCollection", core.KindDuplicateKey, fmt.Errorf("collection %q already exists", newName))
	}
	c.mu.Lock()
	c.name = newName
	c.mu.Unlock()
	delete(d.collections, oldName)
	d.collections[newName] = c
	return d.root.store.Mutate(d.name, newName, "renameCollection", func(rd *storage.RootData) {
		dbData, ok := rd.Databases[d.name]
		if !ok {
			return
		}
		if cd, ok := dbData.Collections[oldName]; ok {
			delete(dbData.Collections, oldName)
			dbData.Collections[newName] = cd
		}
	})
}
