package storage

import (
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"time"

	"github.com/dddevid/mainydb/core"
)

// On-disk tag bytes for core.Kind. Kept as an explicit byte enumeration
// (rather than core.Kind's own iota values) so the wire format is stable
// even if core.Kind gains variants in an unrelated order.
const (
	tagNull byte = iota
	tagBool
	tagInt
	tagFloat
	tagString
	tagTimestamp
	tagObjectID
	tagBinary
	tagArray
	tagDocument
)

func writeUint32(w io.Writer, n uint32) error {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], n)
	_, err := w.Write(b[:])
	return err
}

func readUint32(r io.Reader) (uint32, error) {
	var b [4]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(b[:]), nil
}

func writeInt64(w io.Writer, n int64) error {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], uint64(n))
	_, err := w.Write(b[:])
	return err
}

func readInt64(r io.Reader) (int64, error) {
	var b [8]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return 0, err
	}
	return int64(binary.LittleEndian.Uint64(b[:])), nil
}

func writeBytes(w io.Writer, b []byte) error {
	if err := writeUint32(w, uint32(len(b))); err != nil {
		return err
	}
	_, err := w.Write(b)
	return err
}

func readBytes(r io.Reader) ([]byte, error) {
	n, err := readUint32(r)
	if err != nil {
		return nil, err
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, err
	}
	return buf, nil
}

func writeString(w io.Writer, s string) error { return writeBytes(w, []byte(s)) }

func readString(r io.Reader) (string, error) {
	b, err := readBytes(r)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// writeValue serializes a core.Value per §6: a tag byte followed by a
// type-specific payload.
func writeValue(w io.Writer, v core.Value) error {
	switch v.Kind() {
	case core.KNull, core.KAbsent:
		_, err := w.Write([]byte{tagNull})
		return err
	case core.KBool:
		b, _ := v.AsBool()
		bb := byte(0)
		if b {
			bb = 1
		}
		_, err := w.Write([]byte{tagBool, bb})
		return err
	case core.KInt:
		if _, err := w.Write([]byte{tagInt}); err != nil {
			return err
		}
		i, _ := v.AsInt64()
		return writeInt64(w, i)
	case core.KFloat:
		if _, err := w.Write([]byte{tagFloat}); err != nil {
			return err
		}
		f, _ := v.AsFloat64()
		return writeInt64(w, int64(math.Float64bits(f)))
	case core.KString:
		if _, err := w.Write([]byte{tagString}); err != nil {
			return err
		}
		s, _ := v.AsString()
		return writeString(w, s)
	case core.KObjectID:
		if _, err := w.Write([]byte{tagObjectID}); err != nil {
			return err
		}
		s, _ := v.AsObjectID()
		return writeString(w, s)
	case core.KTimestamp:
		if _, err := w.Write([]byte{tagTimestamp}); err != nil {
			return err
		}
		t, _ := v.AsTimestamp()
		return writeInt64(w, t.UnixMilli())
	case core.KBinary:
		if _, err := w.Write([]byte{tagBinary}); err != nil {
			return err
		}
		b, _ := v.AsBinary()
		return writeBytes(w, b)
	case core.KArray:
		if _, err := w.Write([]byte{tagArray}); err != nil {
			return err
		}
		arr, _ := v.AsArray()
		if err := writeUint32(w, uint32(len(arr))); err != nil {
			return err
		}
		for _, e := range arr {
			if err := writeValue(w, e); err != nil {
				return err
			}
		}
		return nil
	case core.KDocument:
		if _, err := w.Write([]byte{tagDocument}); err != nil {
			return err
		}
		d, _ := v.AsDocument()
		return writeDocument(w, d)
	default:
		return fmt.Errorf("writeValue: unsupported kind %v", v.Kind())
	}
}

func writeDocument(w io.Writer, d *core.Document) error {
	if err := writeUint32(w, uint32(d.Len())); err != nil {
		return err
	}
	var outerErr error
	d.Range(func(key string, v core.Value) bool {
		if err := writeString(w, key); err != nil {
			outerErr = err
			return false
		}
		if err := writeValue(w, v); err != nil {
			outerErr = err
			return false
		}
		return true
	})
	return outerErr
}

func readValue(r io.Reader) (core.Value, error) {
	var tag [1]byte
	if _, err := io.ReadFull(r, tag[:]); err != nil {
		return core.Value{}, err
	}
	switch tag[0] {
	case tagNull:
		return core.Null(), nil
	case tagBool:
		var b [1]byte
		if _, err := io.ReadFull(r, b[:]); err != nil {
			return core.Value{}, err
		}
		return core.Bool(b[0] != 0), nil
	case tagInt:
		i, err := readInt64(r)
		if err != nil {
			return core.Value{}, err
		}
		return core.Int(i), nil
	case tagFloat:
		bits, err := readInt64(r)
		if err != nil {
			return core.Value{}, err
		}
		return core.Float(math.Float64frombits(uint64(bits))), nil
	case tagString:
		s, err := readString(r)
		if err != nil {
			return core.Value{}, err
		}
		return core.String(s), nil
	case tagObjectID:
		s, err := readString(r)
		if err != nil {
			return core.Value{}, err
		}
		return core.ObjectID(s), nil
	case tagTimestamp:
		ms, err := readInt64(r)
		if err != nil {
			return core.Value{}, err
		}
		return core.Timestamp(time.UnixMilli(ms).UTC()), nil
	case tagBinary:
		b, err := readBytes(r)
		if err != nil {
			return core.Value{}, err
		}
		return core.Binary(b), nil
	case tagArray:
		n, err := readUint32(r)
		if err != nil {
			return core.Value{}, err
		}
		vals := make([]core.Value, 0, n)
		for i := uint32(0); i < n; i++ {
			v, err := readValue(r)
			if err != nil {
				return core.Value{}, err
			}
			vals = append(vals, v)
		}
		return core.Array(vals...), nil
	case tagDocument:
		d, err := readDocument(r)
		if err != nil {
			return core.Value{}, err
		}
		return core.DocValue(d), nil
	default:
		return core.Value{}, fmt.Errorf("readValue: unknown tag %d", tag[0])
	}
}

func readDocument(r io.Reader) (*core.Document, error) {
	n, err := readUint32(r)
	if err != nil {
		return nil, err
	}
	d := core.NewDocument()
	for i := uint32(0); i < n; i++ {
		key, err := readString(r)
		if err != nil {
			return nil, err
		}
		v, err := readValue(r)
		if err != nil {
			return nil, err
		}
		d.Set(key, v)
	}
	return d, nil
}

// encodeRoot serializes a *RootData body (the part of the file after the
// fixed header). Options and documents are written as tag-prefixed values;
// the surrounding structure (version, names, counts, index definitions) is
// positional and untagged, so decodeRoot reads it back in this same order.
func encodeRoot(w io.Writer, root *RootData) error {
	if err := writeInt64(w, int64(root.Version)); err != nil {
		return err
	}
	if err := writeUint32(w, uint32(len(root.Databases))); err != nil {
		return err
	}
	for dbName, dbData := range root.Databases {
		if err := writeString(w, dbName); err != nil {
			return err
		}
		if err := writeUint32(w, uint32(len(dbData.Collections))); err != nil {
			return err
		}
		for collName, coll := range dbData.Collections {
			if err := writeString(w, collName); err != nil {
				return err
			}
			if err := writeValue(w, core.DocValue(coll.Options)); err != nil {
				return err
			}
			if err := writeUint32(w, uint32(len(coll.Docs))); err != nil {
				return err
			}
			for _, doc := range coll.Docs {
				if err := writeDocument(w, doc); err != nil {
					return err
				}
			}
			if err := writeUint32(w, uint32(len(coll.Indexes))); err != nil {
				return err
			}
			for _, idx := range coll.Indexes {
				if err := writeString(w, idx.Name); err != nil {
					return err
				}
				if err := writeUint32(w, uint32(len(idx.Keys))); err != nil {
					return err
				}
				for _, k := range idx.Keys {
					if err := writeString(w, k.Path); err != nil {
						return err
					}
					if _, err := w.Write([]byte{byte(int8(k.Dir))}); err != nil {
						return err
					}
				}
				unique := byte(0)
				if idx.Unique {
					unique = 1
				}
				if _, err := w.Write([]byte{unique}); err != nil {
					return err
				}
			}
		}
	}
	return nil
}

func decodeRoot(r io.Reader) (*RootData, error) {
	version, err := readInt64(r)
	if err != nil {
		return nil, err
	}
	root := &RootData{Version: int(version), Databases: map[string]*DatabaseData{}}
	dbCount, err := readUint32(r)
	if err != nil {
		return nil, err
	}
	for i := uint32(0); i < dbCount; i++ {
		dbName, err := readString(r)
		if err != nil {
			return nil, err
		}
		dbData := &DatabaseData{Collections: map[string]*CollectionData{}}
		collCount, err := readUint32(r)
		if err != nil {
			return nil, err
		}
		for j := uint32(0); j < collCount; j++ {
			collName, err := readString(r)
			if err != nil {
				return nil, err
			}
			optsVal, err := readValue(r)
			if err != nil {
				return nil, err
			}
			opts, _ := optsVal.AsDocument()
			if opts == nil {
				opts = core.NewDocument()
			}
			coll := &CollectionData{Options: opts}
			docCount, err := readUint32(r)
			if err != nil {
				return nil, err
			}
			for k := uint32(0); k < docCount; k++ {
				doc, err := readDocument(r)
				if err != nil {
					return nil, err
				}
				coll.Docs = append(coll.Docs, doc)
			}
			idxCount, err := readUint32(r)
			if err != nil {
				return nil, err
			}
			for k := uint32(0); k < idxCount; k++ {
				name, err := readString(r)
				if err != nil {
					return nil, err
				}
				keyCount, err := readUint32(r)
				if err != nil {
					return nil, err
				}
				idx := IndexDef{Name: name}
				for m := uint32(0); m < keyCount; m++ {
					path, err := readString(r)
					if err != nil {
						return nil, err
					}
					var dirb [1]byte
					if _, err := io.ReadFull(r, dirb[:]); err != nil {
						return nil, err
					}
					idx.Keys = append(idx.Keys, KeyDir{Path: path, Dir: int8(dirb[0])})
				}
				var uniqueb [1]byte
				if _, err := io.ReadFull(r, uniqueb[:]); err != nil {
					return nil, err
				}
				idx.Unique = uniqueb[0] != 0
				coll.Indexes = append(coll.Indexes, idx)
			}
			dbData.Collections[collName] = coll
		}
		root.Databases[dbName] = dbData
	}
	return root, nil
}
