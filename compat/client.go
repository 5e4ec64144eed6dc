// Package compat exposes the attribute-style façade applications are
// expected to use (§6.3): Client.Database(name).Collection(name), mirroring
// the teacher's convention of reaching into the engine by a bare string
// name rather than a constructor per database/collection.
package compat

import "github.com/dddevid/mainydb/db"

// Client wraps a db.Root as the library's public entrypoint.
type Client struct {
	root *db.Root
}

// Open opens (or creates) the database file at path and returns a Client.
func Open(path string) (*Client, error) {
	root, err := db.Open(path)
	if err != nil {
		return nil, err
	}
	return &Client{root: root}, nil
}

// Database returns the named database, creating it in memory on first
// reference.
func (cl *Client) Database(name string) *DatabaseHandle {
	return &DatabaseHandle{d: cl.root.Database(name)}
}

// DatabaseNames lists every database referenced so far.
func (cl *Client) DatabaseNames() []string { return cl.root.DatabaseNames() }

// Flush forces an explicit checkpoint.
func (cl *Client) Flush() error { return cl.root.Flush() }

// Close checkpoints and closes the underlying store.
func (cl *Client) Close() error { return cl.root.Close() }

// DatabaseHandle is the chainable handle returned by Client.Database.
type DatabaseHandle struct {
	d *db.Database
}

// Collection returns the named collection, creating it in memory on first
// reference.
func (dh *DatabaseHandle) Collection(name string) *db.Collection {
	return dh.d.Collection(name)
}

// Name returns the database's name.
func (dh *DatabaseHandle) Name() string { return dh.d.Name() }

// CollectionNames lists every collection referenced so far.
func (dh *DatabaseHandle) CollectionNames() []string { return dh.d.CollectionNames() }

// DropCollection removes a collection and its persisted state.
func (dh *DatabaseHandle) DropCollection(name string) error { return dh.d.DropCollection(name) }
