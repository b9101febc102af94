package protogen

import "strings"

// Document is the in-memory model of a single .proto file. Entries appear
// in the order they were discovered by the [Builder], so rendering the same
// schemas always produces the same text.
type Document struct {
	Package  string
	FileName string
	Imports  []string
	Enums    []*EnumEntry
	Messages []*MessageEntry
	Services []*ServiceEntry
}

// MessageEntry is one message declaration.
type MessageEntry struct {
	Name   string
	Fields []Field
}

// EnumEntry is one enum declaration.
type EnumEntry struct {
	Name    string
	Members []EnumMember
}

// Field is one message field. Numbers are assigned sequentially from 1 in
// struct declaration order.
type Field struct {
	Name   string
	Number int32
	Type   FieldType
}

// FieldType is the proto type of a field. Exactly one of Scalar or Ref is
// set; MapKey being non-empty marks the field as a map.
type FieldType struct {
	// Scalar is a proto3 scalar name such as "int32" or "string".
	Scalar string

	// Ref names a message or enum declared in the same document, or a
	// fully qualified well-known type such as "google.protobuf.Int32Value".
	Ref string

	// Enum reports whether Ref names an enum rather than a message.
	Enum bool

	Repeated bool

	// MapKey is the proto scalar of the map key when the field is a map.
	MapKey string
}

// String renders the type as it appears in proto source.
func (t FieldType) String() string {
	base := t.Scalar
	if t.Ref != "" {
		base = t.Ref
	}
	if t.MapKey != "" {
		return "map<" + t.MapKey + ", " + base + ">"
	}
	if t.Repeated {
		return "repeated " + base
	}
	return base
}

// ServiceEntry is one service declaration.
type ServiceEntry struct {
	Name    string
	Methods []MethodEntry
}

// MethodEntry is one rpc declaration. Request and Response name messages
// declared in the same document.
type MethodEntry struct {
	Name            string
	Request         string
	Response        string
	ClientStreaming bool
	ServerStreaming bool
}

// Stem returns the document's file name without the .proto extension.
func (d *Document) Stem() string {
	return strings.TrimSuffix(d.FileName, ".proto")
}
