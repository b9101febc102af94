// Package protogen compiles Go service schemas into proto3 documents and
// the runtime descriptors that back them.
//
// The input is a [ServiceSchema] built from plain Go types via reflection.
// The output is a [Document], an ordered in-memory model of a .proto file
// that renders to deterministic source text and lowers to protobuf
// descriptors for dynamic message construction at serve time.
package protogen

import "reflect"

// ServiceSchema describes one gRPC service to be compiled.
type ServiceSchema struct {
	// Name is the bare service name, e.g. "Greeter".
	Name string

	// Package is the proto package the service is declared in.
	Package string

	Methods []MethodSchema
}

// MethodSchema describes one rpc entry. Request and Response are the Go
// struct types carried on the wire; pointer types are accepted and
// dereferenced during compilation.
type MethodSchema struct {
	Name            string
	Request         reflect.Type
	Response        reflect.Type
	ClientStreaming bool
	ServerStreaming bool
}

// Enum is implemented by named Go types that compile to a proto3 enum.
// Members must be returned in declaration order and include a zero value,
// which proto3 requires as the first enum entry.
type Enum interface {
	EnumMembers() []EnumMember
}

// EnumMember is a single name/number pair of an enum declaration.
type EnumMember struct {
	Name  string
	Value int32
}
