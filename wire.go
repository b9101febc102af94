package protoforge

import (
	"encoding/json"
	"reflect"
	"strings"
	"sync"
	"time"

	"github.com/protoforge/protoforge/protogen"
)

var jsonTimeType = reflect.TypeOf(time.Time{})

// renameCache records, per Go type, whether its JSON form and its wire
// form use different field names anywhere in the reachable graph.
var renameCache sync.Map // reflect.Type -> bool

// The schema builder names a proto field by json tag when present, else by
// the snake case of the Go field name. encoding/json uses the raw Go name
// for untagged fields, so the two forms agree only on tagged fields. The
// coercion path bridges through JSON, so any untagged field has its keys
// renamed in transit; without this the wire side would never match and
// values would silently drop.

// needsRename reports whether values of t must have keys renamed between
// their JSON and wire forms.
func needsRename(t reflect.Type) bool {
	if v, ok := renameCache.Load(t); ok {
		return v.(bool)
	}
	n := scanRename(t, make(map[reflect.Type]bool))
	renameCache.Store(t, n)
	return n
}

func scanRename(t reflect.Type, seen map[reflect.Type]bool) bool {
	for t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	if seen[t] {
		return false
	}
	seen[t] = true
	switch t.Kind() {
	case reflect.Struct:
		if t == jsonTimeType {
			return false
		}
		for i := 0; i < t.NumField(); i++ {
			f := t.Field(i)
			if !f.IsExported() {
				continue
			}
			tag := strings.Split(f.Tag.Get("json"), ",")[0]
			if tag == "-" {
				continue
			}
			if f.Anonymous && tag == "" {
				ft := f.Type
				for ft.Kind() == reflect.Pointer {
					ft = ft.Elem()
				}
				if ft.Kind() == reflect.Struct && ft != jsonTimeType {
					if scanRename(ft, seen) {
						return true
					}
					continue
				}
			}
			if tag == "" {
				return true
			}
			if scanRename(f.Type, seen) {
				return true
			}
		}
	case reflect.Slice, reflect.Array, reflect.Map:
		return scanRename(t.Elem(), seen)
	}
	return false
}

// toWireNames rewrites JSON produced by encoding/json so its keys carry
// the proto field names the builder assigned.
func toWireNames(data []byte, t reflect.Type) ([]byte, error) {
	return renameKeys(data, t, true)
}

// fromWireNames rewrites protojson output so its keys match what
// encoding/json expects when filling t.
func fromWireNames(data []byte, t reflect.Type) ([]byte, error) {
	return renameKeys(data, t, false)
}

func renameKeys(data []byte, t reflect.Type, toWire bool) ([]byte, error) {
	var v any
	if err := json.Unmarshal(data, &v); err != nil {
		return nil, err
	}
	return json.Marshal(renameValue(v, t, toWire))
}

// renameValue walks the decoded JSON tree alongside the Go type, renaming
// map keys at every struct level. Values whose shape does not match the
// type are returned untouched.
func renameValue(v any, t reflect.Type, toWire bool) any {
	for t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	switch t.Kind() {
	case reflect.Struct:
		if t == jsonTimeType {
			return v
		}
		m, ok := v.(map[string]any)
		if !ok {
			return v
		}
		renameStruct(m, t, toWire)
		return m
	case reflect.Slice, reflect.Array:
		arr, ok := v.([]any)
		if !ok {
			return v
		}
		for i := range arr {
			arr[i] = renameValue(arr[i], t.Elem(), toWire)
		}
		return arr
	case reflect.Map:
		m, ok := v.(map[string]any)
		if !ok {
			return v
		}
		for k, val := range m {
			m[k] = renameValue(val, t.Elem(), toWire)
		}
		return m
	}
	return v
}

func renameStruct(m map[string]any, t reflect.Type, toWire bool) {
	for i := 0; i < t.NumField(); i++ {
		f := t.Field(i)
		if !f.IsExported() {
			continue
		}
		tag := strings.Split(f.Tag.Get("json"), ",")[0]
		if tag == "-" {
			continue
		}
		if f.Anonymous && tag == "" {
			ft := f.Type
			for ft.Kind() == reflect.Pointer {
				ft = ft.Elem()
			}
			if ft.Kind() == reflect.Struct && ft != jsonTimeType {
				renameStruct(m, ft, toWire)
				continue
			}
		}
		jsonName := tag
		if jsonName == "" {
			jsonName = f.Name
		}
		wireName := tag
		if wireName == "" {
			wireName = protogen.SnakeCase(f.Name)
		}
		from, to := jsonName, wireName
		if !toWire {
			from, to = wireName, jsonName
		}
		val, ok := m[from]
		if !ok {
			continue
		}
		if from != to {
			delete(m, from)
		}
		m[to] = renameValue(val, f.Type, toWire)
	}
}
