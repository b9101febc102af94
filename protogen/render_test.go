package protogen

import (
	"reflect"
	"testing"
)

func greeterDocument(t *testing.T) *Document {
	t.Helper()
	b := NewBuilder("greeter")
	err := b.AddService(ServiceSchema{
		Name:    "Greeter",
		Package: "greeter",
		Methods: []MethodSchema{
			{Name: "SayHello", Request: reflect.TypeOf(HelloRequest{}), Response: reflect.TypeOf(HelloReply{})},
			{Name: "SayHelloStream", Request: reflect.TypeOf(HelloRequest{}), Response: reflect.TypeOf(HelloReply{}), ServerStreaming: true},
		},
	})
	if err != nil {
		t.Fatalf("AddService: %v", err)
	}
	doc, err := b.Document()
	if err != nil {
		t.Fatalf("Document: %v", err)
	}
	return doc
}

func TestRenderGreeter(t *testing.T) {
	doc := greeterDocument(t)
	want := `syntax = "proto3";

package greeter;

message HelloRequest {
  string name = 1;
  int32 age = 2;
}

message HelloReply {
  string message = 1;
  string sent_at = 2;
}

service Greeter {
  rpc SayHello(HelloRequest) returns (HelloReply);
  rpc SayHelloStream(HelloRequest) returns (stream HelloReply);
}
`
	got := doc.Render()
	if got != want {
		t.Errorf("rendered proto mismatch:\ngot:\n%s\nwant:\n%s", got, want)
	}
}

func TestRenderDeterministic(t *testing.T) {
	first := greeterDocument(t).Render()
	for range 5 {
		if got := greeterDocument(t).Render(); got != first {
			t.Fatalf("render not deterministic:\n%s\nvs\n%s", got, first)
		}
	}
}

func TestRenderStreamingShapes(t *testing.T) {
	doc := &Document{
		Package: "chat",
		Services: []*ServiceEntry{{
			Name: "Chat",
			Methods: []MethodEntry{
				{Name: "Collect", Request: "Msg", Response: "Summary", ClientStreaming: true},
				{Name: "Converse", Request: "Msg", Response: "Msg", ClientStreaming: true, ServerStreaming: true},
			},
		}},
	}
	want := `syntax = "proto3";

package chat;

service Chat {
  rpc Collect(stream Msg) returns (Summary);
  rpc Converse(stream Msg) returns (stream Msg);
}
`
	if got := doc.Render(); got != want {
		t.Errorf("rendered proto mismatch:\ngot:\n%s\nwant:\n%s", got, want)
	}
}

func TestRenderImportsAndEnums(t *testing.T) {
	doc := &Document{
		Package: "test",
		Imports: []string{"google/protobuf/wrappers.proto"},
		Enums: []*EnumEntry{{
			Name: "Color",
			Members: []EnumMember{
				{Name: "COLOR_UNSPECIFIED", Value: 0},
				{Name: "COLOR_RED", Value: 1},
			},
		}},
		Messages: []*MessageEntry{{
			Name: "Palette",
			Fields: []Field{
				{Name: "primary", Number: 1, Type: FieldType{Ref: "Color", Enum: true}},
				{Name: "alpha", Number: 2, Type: FieldType{Ref: "google.protobuf.DoubleValue"}},
			},
		}},
	}
	want := `syntax = "proto3";

package test;

import "google/protobuf/wrappers.proto";

enum Color {
  COLOR_UNSPECIFIED = 0;
  COLOR_RED = 1;
}

message Palette {
  Color primary = 1;
  google.protobuf.DoubleValue alpha = 2;
}
`
	if got := doc.Render(); got != want {
		t.Errorf("rendered proto mismatch:\ngot:\n%s\nwant:\n%s", got, want)
	}
}
