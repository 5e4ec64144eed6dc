package core

import (
	"fmt"
	"time"
)

// FromNative converts a plain Go value (as produced by a map[string]any
// literal, the idiomatic way callers build filters/updates/pipelines,
// mirroring the bson.M convention used throughout the mongo-driver-based
// examples in the pack) into a tagged Value. int, int32 and int64 become
// KInt (other integer types are rejected as unsupported), float32/float64
// become KFloat, preserving the int/float tag
// distinction through the one conversion point every caller-facing API
// goes through.
func FromNative(v interface{}) (Value, error) {
	switch t := v.(type) {
	case nil:
		return Null(), nil
	case Value:
		return t, nil
	case bool:
		return Bool(t), nil
	case int:
		return Int(int64(t)), nil
	case int32:
		return Int(int64(t)), nil
	case int64:
		return Int(t), nil
	case float32:
		return Float(float64(t)), nil
	case float64:
		return Float(t), nil
	case string:
		return String(t), nil
	case time.Time:
		return Timestamp(t), nil
	case []byte:
		return Binary(t), nil
	case DocumentID:
		return ObjectID(string(t)), nil
	case *Document:
		return DocValue(t), nil
	case []interface{}:
		vals := make([]Value, len(t))
		for i, e := range t {
			cv, err := FromNative(e)
			if err != nil {
				return Value{}, err
			}
			vals[i] = cv
		}
		return Array(vals...), nil
	case map[string]interface{}:
		d, err := DocumentFromMap(t)
		if err != nil {
			return Value{}, err
		}
		return DocValue(d), nil
	default:
		return Value{}, fmt.Errorf("core.FromNative: unsupported type %T", v)
	}
}

// DocumentFromMap builds a Document from a map[string]interface{}. Go maps
// have no defined iteration order, so field order in the result is
// unspecified; callers that need stable field order should build a
// Document directly via NewDocument/Set instead (order is semantically
// irrelevant to equality/queries per §3, but matters for projection
// output and for tests asserting on marshaled shape).
func DocumentFromMap(m map[string]interface{}) (*Document, error) {
	d := NewDocument()
	for k, v := range m {
		cv, err := FromNative(v)
		if err != nil {
			return nil, fmt.Errorf("field %q: %w", k, err)
		}
		d.Set(k, cv)
	}
	return d, nil
}

// ToNative converts a Value back into plain Go types for callers that want
// to range over results without importing the Value API, preserving the
// int/float distinction (int64 vs float64).
func ToNative(v Value) interface{} {
	switch v.Kind() {
	case KNull, KAbsent:
		return nil
	case KBool:
		b, _ := v.AsBool()
		return b
	case KInt:
		i, _ := v.AsInt64()
		return i
	case KFloat:
		f, _ := v.AsFloat64()
		return f
	case KString:
		s, _ := v.AsString()
		return s
	case KObjectID:
		s, _ := v.AsObjectID()
		return DocumentID(s)
	case KTimestamp:
		t, _ := v.AsTimestamp()
		return t
	case KBinary:
		b, _ := v.AsBinary()
		return b
	case KArray:
		arr, _ := v.AsArray()
		out := make([]interface{}, len(arr))
		for i, e := range arr {
			out[i] = ToNative(e)
		}
		return out
	case KDocument:
		d, _ := v.AsDocument()
		out := map[string]interface{}{}
		d.Range(func(k string, fv Value) bool {
			out[k] = ToNative(fv)
			return true
		})
		return out
	default:
		return nil
	}
}
