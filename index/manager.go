package index

import (
	"fmt"
	"sync"

	"github.com/dddevid/mainydb/core"
	"github.com/dddevid/mainydb/storage"
)

// Manager owns every index for one collection, including the implicit
// unique index on _id (§3: "The _id field of every collection has an
// implicit unique index").
type Manager struct {
	mu      sync.RWMutex
	idIndex *Index
	byName  map[string]*Index
	order   []string // index name insertion order, for stable Def() listing
}

// NewManager builds a Manager (with its implicit _id index) from an
// existing document set and index definitions, as on store load.
func NewManager(docs []*core.Document, defs []storage.IndexDef) (*Manager, error) {
	m := &Manager{
		idIndex: New("_id_", []KeySpec{{Path: "_id", Dir: 1}}, true),
		byName:  map[string]*Index{},
	}
	if err := m.idIndex.Build(docs); err != nil {
		return nil, fmt.Errorf("rebuilding _id index: %w", err)
	}
	for _, def := range defs {
		keys := make([]KeySpec, len(def.Keys))
		for i, k := range def.Keys {
			keys[i] = KeySpec{Path: k.Path, Dir: k.Dir}
		}
		ix := New(def.Name, keys, def.Unique)
		if err := ix.Build(docs); err != nil {
			return nil, fmt.Errorf("rebuilding index %q: %w", def.Name, err)
		}
		m.byName[def.Name] = ix
		m.order = append(m.order, def.Name)
	}
	return m, nil
}

// CreateIndex builds and registers a new secondary index. If name is
// empty, one is generated from the key paths (e.g. "age_1_name_-1").
func (m *Manager) CreateIndex(name string, keys []KeySpec, unique bool, docs []*core.Document) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if name == "" {
		name = generateName(keys)
	}
	if _, exists := m.byName[name]; exists {
		return name, nil
	}
	ix := New(name, keys, unique)
	if err := ix.Build(docs); err != nil {
		return "", err
	}
	m.byName[name] = ix
	m.order = append(m.order, name)
	return name, nil
}

func generateName(keys []KeySpec) string {
	out := ""
	for _, k := range keys {
		if out != "" {
			out += "_"
		}
		out += fmt.Sprintf("%s_%d", k.Path, k.Dir)
	}
	return out
}

// DropIndex removes a named secondary index. Dropping "_id_" is rejected.
func (m *Manager) DropIndex(name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if name == "_id_" {
		return core.NewError("index.DropIndex", core.KindBadUpdate, fmt.Errorf("cannot drop the implicit _id index"))
	}
	if _, ok := m.byName[name]; !ok {
		return core.NewError("index.DropIndex", core.KindNotFound, fmt.Errorf("no such index %q", name))
	}
	delete(m.byName, name)
	for i, n := range m.order {
		if n == name {
			m.order = append(m.order[:i], m.order[i+1:]...)
			break
		}
	}
	return nil
}

// DropAll removes every secondary index; the implicit _id index and its
// entries are kept.
func (m *Manager) DropAll() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.byName = map[string]*Index{}
	m.order = nil
}

// OnInsert adds doc to every index in turn; if one rejects it, the indexes
// already updated are rolled back, so a rejected insert leaves every index
// untouched.
func (m *Manager) OnInsert(doc *core.Document) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	all := m.allLocked()
	for _, ix := range all {
		if err := ix.Insert(doc); err != nil {
			// roll back indexes already updated in this loop
			for _, done := range all {
				if done == ix {
					break
				}
				done.Remove(doc)
			}
			return err
		}
	}
	return nil
}

// OnUpdate reconciles every index after doc's fields changed from old to
// new (§4.5: "if any indexed field changed, remove old entry and add new").
func (m *Manager) OnUpdate(oldDoc, newDoc *core.Document) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	all := m.allLocked()
	touched := make([]*Index, 0, len(all))
	for _, ix := range all {
		if !ix.KeyChanged(oldDoc, newDoc) {
			continue
		}
		if err := ix.Update(oldDoc, newDoc); err != nil {
			for _, done := range touched {
				_ = done.Update(newDoc, oldDoc)
			}
			return err
		}
		touched = append(touched, ix)
	}
	return nil
}

// OnDelete removes doc from every index.
func (m *Manager) OnDelete(doc *core.Document) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, ix := range m.allLocked() {
		ix.Remove(doc)
	}
}

func (m *Manager) allLocked() []*Index {
	all := make([]*Index, 0, len(m.byName)+1)
	all = append(all, m.idIndex)
	for _, name := range m.order {
		all = append(all, m.byName[name])
	}
	return all
}

// IDIndex returns the implicit unique _id index.
func (m *Manager) IDIndex() *Index {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.idIndex
}

// Named returns the secondary index with the given name, if any.
func (m *Manager) Named(name string) (*Index, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ix, ok := m.byName[name]
	return ix, ok
}

// All returns every secondary index in creation order (not including the
// implicit _id index).
func (m *Manager) All() []*Index {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Index, 0, len(m.order))
	for _, name := range m.order {
		out = append(out, m.byName[name])
	}
	return out
}

// Defs returns persisted definitions for every secondary index, for
// checkpointing (§4.5).
func (m *Manager) Defs() []storage.IndexDef {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]storage.IndexDef, 0, len(m.order))
	for _, name := range m.order {
		out = append(out, m.byName[name].Def())
	}
	return out
}
