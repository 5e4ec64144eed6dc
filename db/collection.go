package db

import (
	"context"
	"fmt"
	"sync"

	"github.com/dddevid/mainydb/aggregate"
	"github.com/dddevid/mainydb/core"
	"github.com/dddevid/mainydb/index"
	"github.com/dddevid/mainydb/query"
	"github.com/dddevid/mainydb/storage"
	"github.com/dddevid/mainydb/update"
)

// Collection holds one collection's live document set, its position index
// and its index.Manager (§4.8). The mutex is the per-collection lock of
// §5's two-level hierarchy: the Root lock only ever guards map shape, this
// lock guards every document and index mutation.
type Collection struct {
	mu      sync.RWMutex
	root    *Root
	db      *Database
	name    string
	docs    []*core.Document
	pos     map[core.DocumentID]int
	indexes *index.Manager
	options *core.Document
}

func newCollection(root *Root, d *Database, name string) *Collection {
	mgr, _ := index.NewManager(nil, nil)
	return &Collection{
		root:    root,
		db:      d,
		name:    name,
		pos:     map[core.DocumentID]int{},
		indexes: mgr,
		options: core.NewDocument(),
	}
}

func newCollectionFromData(root *Root, d *Database, name string, data *storage.CollectionData) (*Collection, error) {
	mgr, err := index.NewManager(data.Docs, data.Indexes)
	if err != nil {
		return nil, err
	}
	c := &Collection{
		root:    root,
		db:      d,
		name:    name,
		docs:    append([]*core.Document{}, data.Docs...),
		pos:     map[core.DocumentID]int{},
		indexes: mgr,
		options: data.Options,
	}
	if c.options == nil {
		c.options = core.NewDocument()
	}
	for i, doc := range c.docs {
		c.pos[doc.ID()] = i
	}
	return c, nil
}

// Name returns the collection's name.
func (c *Collection) Name() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.name
}

// persistLocked mirrors the in-memory document set, index definitions and
// options into the store. store.Mutate always commits this snapshot to the
// in-memory root and never fails on that account; if committing it happens
// to cross a threshold and trigger an automatic checkpoint, and that
// checkpoint fails, the error is logged and stashed for the next Close
// rather than returned here (§7), so persistLocked's error is effectively
// always nil in the current Store implementation.
func (c *Collection) persistLocked(op string) error {
	docs := append([]*core.Document{}, c.docs...)
	defs := c.indexes.Defs()
	opts := c.options
	return c.root.store.Mutate(c.db.name, c.name, op, func(rd *storage.RootData) {
		dbData, ok := rd.Databases[c.db.name]
		if !ok {
			dbData = &storage.DatabaseData{Collections: map[string]*storage.CollectionData{}}
			rd.Databases[c.db.name] = dbData
		}
		dbData.Collections[c.name] = &storage.CollectionData{
			Options: opts,
			Docs:    docs,
			Indexes: defs,
		}
	})
}

// InsertOne inserts a single document (§4.8). If the document has no _id,
// one is generated.
func (c *Collection) InsertOne(doc *core.Document) (core.DocumentID, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	inserted, err := c.insertLocked(doc)
	if err != nil {
		return "", err
	}
	if err := c.persistLocked("insertOne"); err != nil {
		return "", err
	}
	return inserted.ID(), nil
}

func (c *Collection) insertLocked(doc *core.Document) (*core.Document, error) {
	d := doc.Clone()
	if _, ok := d.Get("_id"); !ok {
		d.Set("_id", core.ObjectID(core.NewObjectID()))
	}
	id := d.ID()
	if _, exists := c.pos[id]; exists {
		return nil, core.NewError("db.InsertOne", core.KindDuplicateKey, fmt.Errorf("duplicate _id %q", id))
	}
	if err := c.indexes.OnInsert(d); err != nil {
		return nil, err
	}
	c.pos[id] = len(c.docs)
	c.docs = append(c.docs, d)
	return d, nil
}

// InsertMany inserts a batch of documents. When ordered is true, the first
// failure stops the batch; when false, every document is attempted and
// every error collected.
func (c *Collection) InsertMany(docs []*core.Document, ordered bool) ([]core.DocumentID, []error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	var ids []core.DocumentID
	var errs []error
	for _, doc := range docs {
		inserted, err := c.insertLocked(doc)
		if err != nil {
			errs = append(errs, err)
			if ordered {
				break
			}
			continue
		}
		ids = append(ids, inserted.ID())
	}
	if err := c.persistLocked("insertMany"); err != nil {
		errs = append(errs, err)
	}
	return ids, errs
}

// FindOptions controls Find's filter, sort, projection and pagination.
type FindOptions struct {
	Filter     *core.Document
	Sort       []SortSpec
	Projection *core.Document
	Skip       int
	Limit      int
}

// Find compiles filter, asks the planner for an access path, applies any
// residual sort/skip/limit, and returns a snapshot Cursor (§4.6, §5).
func (c *Collection) Find(opts FindOptions) (*Cursor, error) {
	compiled, err := query.Compile(opts.Filter)
	if err != nil {
		return nil, err
	}
	c.mu.RLock()
	defer c.mu.RUnlock()

	path := index.Plan(translateConstraints(compiled.Constraints), toSortKeys(opts.Sort), c.indexes)

	var matched []*core.Document
	if path.UseIndex {
		for _, id := range path.IDs {
			pos, ok := c.pos[id]
			if !ok {
				continue
			}
			d := c.docs[pos]
			if compiled.Match(d) {
				matched = append(matched, d)
			}
		}
	} else {
		for _, d := range c.docs {
			if compiled.Match(d) {
				matched = append(matched, d)
			}
		}
	}

	if len(opts.Sort) > 0 && !path.SortSatisfied {
		sortDocs(matched, opts.Sort)
	}

	if opts.Skip > 0 {
		if opts.Skip >= len(matched) {
			matched = nil
		} else {
			matched = matched[opts.Skip:]
		}
	}
	if opts.Limit > 0 && opts.Limit < len(matched) {
		matched = matched[:opts.Limit]
	}

	ids := make([]core.DocumentID, len(matched))
	for i, d := range matched {
		ids[i] = d.ID()
	}
	return newCursor(c, ids, opts.Projection), nil
}

// FindOne returns the first document matching filter, or ok=false.
func (c *Collection) FindOne(filter, projection *core.Document) (*core.Document, bool, error) {
	cur, err := c.Find(FindOptions{Filter: filter, Projection: projection, Limit: 1})
	if err != nil {
		return nil, false, err
	}
	d, ok, err := cur.Next(context.Background())
	if err != nil || !ok {
		return nil, false, err
	}
	return d, true, nil
}

// seedFromFilter builds the starting document for an upsert that created a
// new document, from the filter's pure-equality fields (§4.4: "an upsert
// seeds the new document from the filter's equality conditions").
func seedFromFilter(compiled *query.Compiled) *core.Document {
	d := core.NewDocument()
	for _, fc := range compiled.Constraints {
		if fc.Kind == query.ConstraintEq {
			core.SetPath(d, fc.Path, fc.Eq)
		}
	}
	return d
}

// UpdateOne applies upd to the first document matching filter. If upsert is
// true and nothing matches, a new document is seeded from filter's
// equality fields and upd is applied to it before insertion.
func (c *Collection) UpdateOne(filter, upd *core.Document, upsert bool) (matched bool, modified bool, upsertedID core.DocumentID, err error) {
	compiled, err := query.Compile(filter)
	if err != nil {
		return false, false, "", err
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, d := range c.docs {
		if compiled.Match(d) {
			newDoc, mod, err := update.Apply(d, upd)
			if err != nil {
				return false, false, "", err
			}
			if mod {
				if err := c.indexes.OnUpdate(d, newDoc); err != nil {
					return false, false, "", err
				}
				c.docs[c.pos[d.ID()]] = newDoc
				if err := c.persistLocked("updateOne"); err != nil {
					return true, true, "", err
				}
			}
			return true, mod, "", nil
		}
	}

	if !upsert {
		return false, false, "", nil
	}
	seed := seedFromFilter(compiled)
	newDoc, _, err := update.Apply(seed, upd)
	if err != nil {
		return false, false, "", err
	}
	inserted, err := c.insertLocked(newDoc)
	if err != nil {
		return false, false, "", err
	}
	if err := c.persistLocked("upsertOne"); err != nil {
		return false, true, inserted.ID(), err
	}
	return false, true, inserted.ID(), nil
}

// UpdateMany applies upd to every document matching filter.
func (c *Collection) UpdateMany(filter, upd *core.Document) (matchedCount, modifiedCount int, err error) {
	compiled, err := query.Compile(filter)
	if err != nil {
		return 0, 0, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, d := range c.docs {
		if !compiled.Match(d) {
			continue
		}
		matchedCount++
		newDoc, mod, err := update.Apply(d, upd)
		if err != nil {
			return matchedCount, modifiedCount, err
		}
		if mod {
			if err := c.indexes.OnUpdate(d, newDoc); err != nil {
				return matchedCount, modifiedCount, err
			}
			c.docs[c.pos[d.ID()]] = newDoc
			modifiedCount++
		}
	}
	if modifiedCount > 0 {
		if err := c.persistLocked("updateMany"); err != nil {
			return matchedCount, modifiedCount, err
		}
	}
	return matchedCount, modifiedCount, nil
}

// ReplaceOne replaces the first document matching filter with replacement,
// preserving its _id (§4.4).
func (c *Collection) ReplaceOne(filter, replacement *core.Document, upsert bool) (matched bool, modified bool, upsertedID core.DocumentID, err error) {
	compiled, err := query.Compile(filter)
	if err != nil {
		return false, false, "", err
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, d := range c.docs {
		if compiled.Match(d) {
			newDoc := replacement.Clone()
			if idVal, ok := d.Get("_id"); ok {
				newDoc.Set("_id", idVal)
			}
			if err := c.indexes.OnUpdate(d, newDoc); err != nil {
				return false, false, "", err
			}
			c.docs[c.pos[d.ID()]] = newDoc
			if err := c.persistLocked("replaceOne"); err != nil {
				return true, true, "", err
			}
			return true, true, "", nil
		}
	}
	if !upsert {
		return false, false, "", nil
	}
	seed := replacement.Clone()
	if _, ok := seed.Get("_id"); !ok {
		seedFields := seedFromFilter(compiled)
		if v, ok := seedFields.Get("_id"); ok {
			seed.Set("_id", v)
		}
	}
	inserted, err := c.insertLocked(seed)
	if err != nil {
		return false, false, "", err
	}
	if err := c.persistLocked("upsertReplace"); err != nil {
		return false, true, inserted.ID(), err
	}
	return false, true, inserted.ID(), nil
}

// reindexPositions rebuilds c.pos after c.docs has been compacted.
func (c *Collection) reindexPositions() {
	c.pos = make(map[core.DocumentID]int, len(c.docs))
	for i, d := range c.docs {
		c.pos[d.ID()] = i
	}
}

// DeleteOne removes the first document matching filter.
func (c *Collection) DeleteOne(filter *core.Document) (bool, error) {
	compiled, err := query.Compile(filter)
	if err != nil {
		return false, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	for i, d := range c.docs {
		if compiled.Match(d) {
			c.indexes.OnDelete(d)
			c.docs = append(c.docs[:i], c.docs[i+1:]...)
			c.reindexPositions()
			return true, c.persistLocked("deleteOne")
		}
	}
	return false, nil
}

// DeleteMany removes every document matching filter.
func (c *Collection) DeleteMany(filter *core.Document) (int, error) {
	compiled, err := query.Compile(filter)
	if err != nil {
		return 0, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	kept := c.docs[:0]
	removed := 0
	for _, d := range c.docs {
		if compiled.Match(d) {
			c.indexes.OnDelete(d)
			removed++
			continue
		}
		kept = append(kept, d)
	}
	c.docs = kept
	c.reindexPositions()
	if removed > 0 {
		if err := c.persistLocked("deleteMany"); err != nil {
			return removed, err
		}
	}
	return removed, nil
}

// BulkOpKind classifies one operation in a BulkWrite batch.
type BulkOpKind int

const (
	BulkInsertOne BulkOpKind = iota
	BulkUpdateOne
	BulkUpdateMany
	BulkReplaceOne
	BulkDeleteOne
	BulkDeleteMany
)

// BulkOp is one operation within a BulkWrite call.
type BulkOp struct {
	Kind        BulkOpKind
	Document    *core.Document // BulkInsertOne, BulkReplaceOne
	Filter      *core.Document // every kind but BulkInsertOne
	Update      *core.Document // BulkUpdateOne, BulkUpdateMany
	Upsert      bool
}

// BulkOutcome is one BulkOp's result.
type BulkOutcome struct {
	Matched    int
	Modified   int
	UpsertedID core.DocumentID
	Err        error
}

// BulkResult aggregates every BulkOp's outcome.
type BulkResult struct {
	Outcomes       []BulkOutcome
	InsertedCount  int
	MatchedCount   int
	ModifiedCount  int
	DeletedCount   int
	UpsertedCount  int
}

// BulkWrite runs ops in order, stopping at the first error when ordered is
// true.
func (c *Collection) BulkWrite(ops []BulkOp, ordered bool) BulkResult {
	var res BulkResult
	for _, op := range ops {
		outcome := c.runBulkOp(op)
		res.Outcomes = append(res.Outcomes, outcome)
		res.MatchedCount += outcome.Matched
		res.ModifiedCount += outcome.Modified
		if outcome.UpsertedID != "" {
			res.UpsertedCount++
		}
		if op.Kind == BulkInsertOne && outcome.Err == nil {
			res.InsertedCount++
		}
		if (op.Kind == BulkDeleteOne || op.Kind == BulkDeleteMany) && outcome.Err == nil {
			res.DeletedCount += outcome.Matched
		}
		if outcome.Err != nil && ordered {
			break
		}
	}
	return res
}

func (c *Collection) runBulkOp(op BulkOp) BulkOutcome {
	switch op.Kind {
	case BulkInsertOne:
		_, err := c.InsertOne(op.Document)
		return BulkOutcome{Matched: 1, Err: err}
	case BulkUpdateOne:
		matched, modified, upsertedID, err := c.UpdateOne(op.Filter, op.Update, op.Upsert)
		m := 0
		if matched {
			m = 1
		}
		mo := 0
		if modified {
			mo = 1
		}
		return BulkOutcome{Matched: m, Modified: mo, UpsertedID: upsertedID, Err: err}
	case BulkUpdateMany:
		matched, modified, err := c.UpdateMany(op.Filter, op.Update)
		return BulkOutcome{Matched: matched, Modified: modified, Err: err}
	case BulkReplaceOne:
		matched, modified, upsertedID, err := c.ReplaceOne(op.Filter, op.Document, op.Upsert)
		m := 0
		if matched {
			m = 1
		}
		mo := 0
		if modified {
			mo = 1
		}
		return BulkOutcome{Matched: m, Modified: mo, UpsertedID: upsertedID, Err: err}
	case BulkDeleteOne:
		ok, err := c.DeleteOne(op.Filter)
		m := 0
		if ok {
			m = 1
		}
		return BulkOutcome{Matched: m, Err: err}
	case BulkDeleteMany:
		n, err := c.DeleteMany(op.Filter)
		return BulkOutcome{Matched: n, Err: err}
	default:
		return BulkOutcome{Err: core.NewError("db.BulkWrite", core.KindBadUpdate, fmt.Errorf("unknown bulk op kind %d", op.Kind))}
	}
}

// encodeDistinctKey renders a Value as a map key, tag-sensitive so Int(1)
// and Float(1) are treated as distinct values, matching strict structural
// equality rather than query equality.
func encodeDistinctKey(v core.Value) string {
	switch v.Kind() {
	case core.KNull, core.KAbsent:
		return "n:"
	case core.KBool:
		b, _ := v.AsBool()
		return fmt.Sprintf("b:%v", b)
	case core.KInt:
		i, _ := v.AsInt64()
		return fmt.Sprintf("i:%d", i)
	case core.KFloat:
		f, _ := v.AsFloat64()
		return fmt.Sprintf("f:%v", f)
	case core.KString:
		s, _ := v.AsString()
		return "s:" + s
	case core.KObjectID:
		s, _ := v.AsObjectID()
		return "o:" + s
	case core.KArray:
		arr, _ := v.AsArray()
		out := "a:["
		for _, e := range arr {
			out += encodeDistinctKey(e) + ","
		}
		return out + "]"
	case core.KDocument:
		d, _ := v.AsDocument()
		out := "d:{"
		d.Range(func(k string, fv core.Value) bool {
			out += k + "=" + encodeDistinctKey(fv) + ";"
			return true
		})
		return out + "}"
	default:
		return "?"
	}
}

// Distinct returns the distinct values of field among documents matching
// filter.
func (c *Collection) Distinct(field string, filter *core.Document) ([]core.Value, error) {
	compiled, err := query.Compile(filter)
	if err != nil {
		return nil, err
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	seen := map[string]bool{}
	var out []core.Value
	for _, d := range c.docs {
		if !compiled.Match(d) {
			continue
		}
		v, ok := core.GetPath(d, field)
		if !ok {
			continue
		}
		key := encodeDistinctKey(v)
		if seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, v)
	}
	return out, nil
}

// CountDocuments counts documents matching filter.
func (c *Collection) CountDocuments(filter *core.Document) (int, error) {
	compiled, err := query.Compile(filter)
	if err != nil {
		return 0, err
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	n := 0
	for _, d := range c.docs {
		if compiled.Match(d) {
			n++
		}
	}
	return n, nil
}

// Aggregate runs pipeline over the collection's current documents (§4.7).
// The read lock is held only long enough to copy the document slice, so a
// $lookup stage can freely acquire a foreign collection's own read lock
// without risking a lock-order cycle (§5).
func (c *Collection) Aggregate(ctx context.Context, pipeline []*core.Document) (aggregate.Cursor, error) {
	c.mu.RLock()
	docsCopy := append([]*core.Document{}, c.docs...)
	c.mu.RUnlock()

	src := aggregate.NewSliceCursor(docsCopy)
	lookup := &dbLookupSource{d: c.db}
	cur, err := aggregate.Build(pipeline, src, lookup)
	if err != nil {
		log.Warnw("aggregate pipeline rejected", "database", c.db.name, "collection", c.name, "err", err)
	}
	return cur, err
}

// CreateIndex builds and registers a secondary index.
func (c *Collection) CreateIndex(name string, keys []SortSpec, unique bool) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	ks := make([]index.KeySpec, len(keys))
	for i, k := range keys {
		ks[i] = index.KeySpec{Path: k.Path, Dir: k.Dir}
	}
	created, err := c.indexes.CreateIndex(name, ks, unique, c.docs)
	if err != nil {
		return "", err
	}
	return created, c.persistLocked("createIndex")
}

// DropIndex removes a named secondary index.
func (c *Collection) DropIndex(name string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.indexes.DropIndex(name); err != nil {
		return err
	}
	return c.persistLocked("dropIndex")
}

// DropIndexes removes every secondary index.
func (c *Collection) DropIndexes() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.indexes.DropAll()
	return c.persistLocked("dropIndexes")
}

// Drop removes every document and index from the collection, leaving it
// registered but empty.
func (c *Collection) Drop() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.docs = nil
	c.pos = map[core.DocumentID]int{}
	c.indexes, _ = index.NewManager(nil, nil)
	return c.persistLocked("drop")
}

// Rename renames this collection within its database.
func (c *Collection) Rename(newName string) error {
	c.mu.RLock()
	oldName := c.name
	c.mu.RUnlock()
	return c.db.RenameCollection(oldName, newName)
}

// Stats reports basic size information (§4.8).
type Stats struct {
	DocumentCount int
	IndexCount    int
}

// StatsReport returns the collection's current document and index counts.
func (c *Collection) StatsReport() Stats {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return Stats{DocumentCount: len(c.docs), IndexCount: len(c.indexes.All()) + 1}
}
