package protogen

import (
	"fmt"
	"reflect"
	"sort"
	"strings"
	"time"
)

// UnsupportedTypeError reports a Go type that has no proto3 representation.
type UnsupportedTypeError struct {
	Type   reflect.Type
	Reason string
}

func (e *UnsupportedTypeError) Error() string {
	return fmt.Sprintf("unsupported type %s: %s", e.Type, e.Reason)
}

// scalarKinds maps Go scalar kinds to proto3 scalar names.
var scalarKinds = map[reflect.Kind]string{
	reflect.Bool:    "bool",
	reflect.Int:     "int32",
	reflect.Int8:    "int32",
	reflect.Int16:   "int32",
	reflect.Int32:   "int32",
	reflect.Int64:   "int64",
	reflect.Uint:    "uint32",
	reflect.Uint8:   "uint32",
	reflect.Uint16:  "uint32",
	reflect.Uint32:  "uint32",
	reflect.Uint64:  "uint64",
	reflect.Float32: "float",
	reflect.Float64: "double",
	reflect.String:  "string",
}

// wrapperNames maps Go scalar kinds to the well-known wrapper message used
// when a field is a pointer to that scalar.
var wrapperNames = map[reflect.Kind]string{
	reflect.Bool:    "google.protobuf.BoolValue",
	reflect.Int:     "google.protobuf.Int32Value",
	reflect.Int8:    "google.protobuf.Int32Value",
	reflect.Int16:   "google.protobuf.Int32Value",
	reflect.Int32:   "google.protobuf.Int32Value",
	reflect.Int64:   "google.protobuf.Int64Value",
	reflect.Uint:    "google.protobuf.UInt32Value",
	reflect.Uint8:   "google.protobuf.UInt32Value",
	reflect.Uint16:  "google.protobuf.UInt32Value",
	reflect.Uint32:  "google.protobuf.UInt32Value",
	reflect.Uint64:  "google.protobuf.UInt64Value",
	reflect.Float32: "google.protobuf.FloatValue",
	reflect.Float64: "google.protobuf.DoubleValue",
	reflect.String:  "google.protobuf.StringValue",
}

const wrappersImport = "google/protobuf/wrappers.proto"

var (
	timeType = reflect.TypeOf(time.Time{})
	enumType = reflect.TypeOf((*Enum)(nil)).Elem()
)

// Builder accumulates service schemas and the message graph they reach
// into a single [Document]. Types are walked breadth first so top-level
// request and response messages appear before the nested messages they
// refer to, and each distinct type is declared at most once no matter how
// many fields or services reach it.
//
// A conversion error poisons the builder: subsequent calls return the same
// error and no partial document is produced.
type Builder struct {
	doc      *Document
	seen     map[string]ServiceSchema // services already added, by name
	messages map[reflect.Type]bool   // types with an emitted message
	enums    map[reflect.Type]bool   // types with an emitted enum
	names    map[string]reflect.Type // declared names, for collision checks
	queued   map[reflect.Type]bool
	queue    []reflect.Type
	imports  map[string]bool
	err      error
}

// BuilderOption configures a [Builder].
type BuilderOption func(*Builder)

// WithFileName overrides the document file name, which defaults to the
// package name with a .proto extension.
func WithFileName(name string) BuilderOption {
	return func(b *Builder) { b.doc.FileName = name }
}

// NewBuilder returns a Builder producing a document in the given proto
// package.
func NewBuilder(pkg string, opts ...BuilderOption) *Builder {
	b := &Builder{
		doc:      &Document{Package: pkg, FileName: pkg + ".proto"},
		seen:     make(map[string]ServiceSchema),
		messages: make(map[reflect.Type]bool),
		enums:    make(map[reflect.Type]bool),
		names:    make(map[string]reflect.Type),
		queued:   make(map[reflect.Type]bool),
		imports:  make(map[string]bool),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// AddService compiles one service schema into the document. Adding the
// same schema twice is a no-op, so callers may pass overlapping schema
// sets without producing duplicate declarations. A different schema under
// an already-added name is an error.
func (b *Builder) AddService(s ServiceSchema) error {
	if b.err != nil {
		return b.err
	}
	if prev, ok := b.seen[s.Name]; ok {
		if !schemaEqual(prev, s) {
			return b.fail(fmt.Errorf("service %s already declared with a different schema", s.Name))
		}
		return nil
	}
	entry := &ServiceEntry{Name: s.Name}
	for _, m := range s.Methods {
		reqName, err := b.messageName(m.Request)
		if err != nil {
			return b.fail(err)
		}
		resName, err := b.messageName(m.Response)
		if err != nil {
			return b.fail(err)
		}
		entry.Methods = append(entry.Methods, MethodEntry{
			Name:            m.Name,
			Request:         reqName,
			Response:        resName,
			ClientStreaming: m.ClientStreaming,
			ServerStreaming: m.ServerStreaming,
		})
	}
	if err := b.drain(); err != nil {
		return b.fail(err)
	}
	b.seen[s.Name] = s
	b.doc.Services = append(b.doc.Services, entry)
	return nil
}

func schemaEqual(a, b ServiceSchema) bool {
	if a.Name != b.Name || a.Package != b.Package || len(a.Methods) != len(b.Methods) {
		return false
	}
	for i := range a.Methods {
		if a.Methods[i] != b.Methods[i] {
			return false
		}
	}
	return true
}

// Document returns the accumulated document. The import list is sorted so
// output is stable across runs.
func (b *Builder) Document() (*Document, error) {
	if b.err != nil {
		return nil, b.err
	}
	b.doc.Imports = b.doc.Imports[:0]
	for imp := range b.imports {
		b.doc.Imports = append(b.doc.Imports, imp)
	}
	sort.Strings(b.doc.Imports)
	return b.doc, nil
}

func (b *Builder) fail(err error) error {
	b.err = err
	return err
}

// messageName converts a request or response type eagerly and returns its
// declared name. Nested types discovered while walking its fields are
// queued and drained afterwards.
func (b *Builder) messageName(t reflect.Type) (string, error) {
	for t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	if t.Kind() != reflect.Struct || t == timeType {
		return "", &UnsupportedTypeError{Type: t, Reason: "method request and response must be struct types"}
	}
	return b.convertMessage(t)
}

func (b *Builder) drain() error {
	for len(b.queue) > 0 {
		t := b.queue[0]
		b.queue = b.queue[1:]
		delete(b.queued, t)
		var err error
		if implementsEnum(t) {
			_, err = b.convertEnum(t)
		} else {
			_, err = b.convertMessage(t)
		}
		if err != nil {
			return err
		}
	}
	return nil
}

func (b *Builder) convertMessage(t reflect.Type) (string, error) {
	name, err := typeName(t)
	if err != nil {
		return "", err
	}
	if b.messages[t] {
		return name, nil
	}
	if prev, ok := b.names[name]; ok && prev != t {
		return "", &UnsupportedTypeError{Type: t, Reason: fmt.Sprintf("name %s already declared by %s", name, prev)}
	}
	entry := &MessageEntry{Name: name}
	b.messages[t] = true
	b.names[name] = t
	b.doc.Messages = append(b.doc.Messages, entry)

	fields, err := b.collectFields(t, nil)
	if err != nil {
		return "", err
	}
	entry.Fields = fields
	return name, nil
}

// collectFields walks struct fields in declaration order, numbering
// sequentially from 1. Exported anonymous struct embeds are flattened the
// way encoding/json flattens them.
func (b *Builder) collectFields(t reflect.Type, fields []Field) ([]Field, error) {
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
			if ft.Kind() == reflect.Struct && ft != timeType {
				var err error
				fields, err = b.collectFields(ft, fields)
				if err != nil {
					return nil, err
				}
				continue
			}
		}
		typ, err := b.fieldType(f.Type)
		if err != nil {
			return nil, &UnsupportedTypeError{Type: t, Reason: fmt.Sprintf("field %s: %v", f.Name, err)}
		}
		name := tag
		if name == "" {
			name = SnakeCase(f.Name)
		}
		fields = append(fields, Field{Name: name, Number: int32(len(fields)) + 1, Type: typ})
	}
	return fields, nil
}

func (b *Builder) fieldType(t reflect.Type) (FieldType, error) {
	switch {
	case t == timeType:
		return FieldType{Scalar: "string"}, nil
	case implementsEnum(t):
		if !isIntegerKind(t.Kind()) {
			return FieldType{}, &UnsupportedTypeError{Type: t, Reason: "enum types must have an integer underlying type"}
		}
		name, err := typeName(t)
		if err != nil {
			return FieldType{}, err
		}
		b.enqueue(t)
		return FieldType{Ref: name, Enum: true}, nil
	}

	switch t.Kind() {
	case reflect.Pointer:
		elem := t.Elem()
		if wrapper, ok := wrapperNames[elem.Kind()]; ok && elem.Name() == elem.Kind().String() {
			b.imports[wrappersImport] = true
			return FieldType{Ref: wrapper}, nil
		}
		if elem.Kind() == reflect.Slice && elem.Elem().Kind() == reflect.Uint8 {
			b.imports[wrappersImport] = true
			return FieldType{Ref: "google.protobuf.BytesValue"}, nil
		}
		return b.fieldType(elem)
	case reflect.Slice, reflect.Array:
		if t.Elem().Kind() == reflect.Uint8 && t.Kind() == reflect.Slice {
			return FieldType{Scalar: "bytes"}, nil
		}
		elem, err := b.fieldType(t.Elem())
		if err != nil {
			return FieldType{}, err
		}
		if elem.Repeated || elem.MapKey != "" {
			return FieldType{}, &UnsupportedTypeError{Type: t, Reason: "nested repeated and map elements cannot be represented"}
		}
		elem.Repeated = true
		return elem, nil
	case reflect.Map:
		key, ok := scalarKinds[t.Key().Kind()]
		if !ok || key == "float" || key == "double" {
			return FieldType{}, &UnsupportedTypeError{Type: t, Reason: "map keys must be integer, string or bool"}
		}
		value, err := b.fieldType(t.Elem())
		if err != nil {
			return FieldType{}, err
		}
		if value.Repeated || value.MapKey != "" {
			return FieldType{}, &UnsupportedTypeError{Type: t, Reason: "map values cannot be repeated or maps"}
		}
		value.MapKey = key
		return value, nil
	case reflect.Struct:
		name, err := typeName(t)
		if err != nil {
			return FieldType{}, err
		}
		b.enqueue(t)
		return FieldType{Ref: name}, nil
	}

	if scalar, ok := scalarKinds[t.Kind()]; ok {
		return FieldType{Scalar: scalar}, nil
	}
	return FieldType{}, &UnsupportedTypeError{Type: t, Reason: "no proto3 representation"}
}

func (b *Builder) enqueue(t reflect.Type) {
	if b.messages[t] || b.enums[t] || b.queued[t] {
		return
	}
	b.queued[t] = true
	b.queue = append(b.queue, t)
}

func (b *Builder) convertEnum(t reflect.Type) (string, error) {
	name, err := typeName(t)
	if err != nil {
		return "", err
	}
	if b.enums[t] {
		return name, nil
	}
	if prev, ok := b.names[name]; ok && prev != t {
		return "", &UnsupportedTypeError{Type: t, Reason: fmt.Sprintf("name %s already declared by %s", name, prev)}
	}
	var zero Enum
	if t.Implements(enumType) {
		zero = reflect.Zero(t).Interface().(Enum)
	} else {
		zero = reflect.New(t).Interface().(Enum)
	}
	members := zero.EnumMembers()
	if len(members) == 0 || members[0].Value != 0 {
		return "", &UnsupportedTypeError{Type: t, Reason: "proto3 enums must declare a zero value first"}
	}
	b.enums[t] = true
	b.names[name] = t
	b.doc.Enums = append(b.doc.Enums, &EnumEntry{Name: name, Members: members})
	return name, nil
}

func implementsEnum(t reflect.Type) bool {
	return t.Implements(enumType) || reflect.PointerTo(t).Implements(enumType)
}

func isIntegerKind(k reflect.Kind) bool {
	switch k {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return true
	}
	return false
}
