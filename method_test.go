package protoforge

import (
	"context"
	"reflect"
	"strings"
	"testing"
	"time"

	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/dynamicpb"

	"github.com/protoforge/protoforge/protogen"
)

type StampRequest struct {
	Label string    `json:"label"`
	At    time.Time `json:"at"`
}

type StampReply struct {
	Label string    `json:"label"`
	At    time.Time `json:"at"`
}

// boundStampMethod returns a unary method with resolved descriptors,
// without going through a server.
func boundStampMethod(t *testing.T) *Method {
	t.Helper()
	m := NewUnary(func(ctx context.Context, req StampRequest) (StampReply, error) {
		return StampReply{Label: req.Label, At: req.At}, nil
	})
	b := protogen.NewBuilder("stamp")
	err := b.AddService(protogen.ServiceSchema{
		Name:    "Stamp",
		Package: "stamp",
		Methods: []protogen.MethodSchema{m.schema("Mark")},
	})
	if err != nil {
		t.Fatalf("AddService: %v", err)
	}
	doc, err := b.Document()
	if err != nil {
		t.Fatalf("Document: %v", err)
	}
	bindings, err := protogen.NewBindings(doc)
	if err != nil {
		t.Fatalf("NewBindings: %v", err)
	}
	reqDesc, err := bindings.Message("stamp.StampRequest")
	if err != nil {
		t.Fatalf("request descriptor: %v", err)
	}
	resDesc, err := bindings.Message("stamp.StampReply")
	if err != nil {
		t.Fatalf("response descriptor: %v", err)
	}
	m.name = "Mark"
	m.requestDesc = reqDesc
	m.responseDesc = resDesc
	return m
}

type Issuer struct {
	DisplayName string
}

type BadgeRequest struct {
	FullName string
	Email    string `json:"email"`
}

type BadgeReply struct {
	Message  string
	IssuedBy Issuer
}

// boundBadgeMethod is boundStampMethod for types without json tags, where
// the wire field names are derived from the Go field names.
func boundBadgeMethod(t *testing.T) *Method {
	t.Helper()
	m := NewUnary(func(ctx context.Context, req BadgeRequest) (BadgeReply, error) {
		return BadgeReply{Message: "issued to " + req.FullName}, nil
	})
	b := protogen.NewBuilder("badge")
	err := b.AddService(protogen.ServiceSchema{
		Name:    "Badge",
		Package: "badge",
		Methods: []protogen.MethodSchema{m.schema("Issue")},
	})
	if err != nil {
		t.Fatalf("AddService: %v", err)
	}
	doc, err := b.Document()
	if err != nil {
		t.Fatalf("Document: %v", err)
	}
	bindings, err := protogen.NewBindings(doc)
	if err != nil {
		t.Fatalf("NewBindings: %v", err)
	}
	reqDesc, err := bindings.Message("badge.BadgeRequest")
	if err != nil {
		t.Fatalf("request descriptor: %v", err)
	}
	resDesc, err := bindings.Message("badge.BadgeReply")
	if err != nil {
		t.Fatalf("response descriptor: %v", err)
	}
	m.name = "Issue"
	m.requestDesc = reqDesc
	m.responseDesc = resDesc
	return m
}

func TestUntaggedFieldsRoundTrip(t *testing.T) {
	m := boundBadgeMethod(t)

	in := dynamicpb.NewMessage(m.requestDesc)
	if err := protojson.Unmarshal([]byte(`{"full_name":"Ada Lovelace","email":"ada@example.com"}`), in); err != nil {
		t.Fatalf("building wire request: %v", err)
	}
	req, err := decodeRequest[BadgeRequest](in)
	if err != nil {
		t.Fatalf("decodeRequest: %v", err)
	}
	if req.FullName != "Ada Lovelace" {
		t.Errorf("FullName = %q, want Ada Lovelace", req.FullName)
	}
	if req.Email != "ada@example.com" {
		t.Errorf("Email = %q", req.Email)
	}

	out, err := encodeResponse(m, BadgeReply{
		Message:  "ok",
		IssuedBy: Issuer{DisplayName: "registry"},
	})
	if err != nil {
		t.Fatalf("encodeResponse: %v", err)
	}
	data, err := protojson.MarshalOptions{UseProtoNames: true}.Marshal(out)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	for _, want := range []string{`"message":"ok"`, `"display_name":"registry"`} {
		if !strings.Contains(string(data), want) {
			t.Errorf("wire response missing %s:\n%s", want, data)
		}
	}
}

func TestModeFlags(t *testing.T) {
	tests := []struct {
		mode           Mode
		client, server bool
		str            string
	}{
		{UnaryUnary, false, false, "unary"},
		{UnaryStream, false, true, "server-streaming"},
		{StreamUnary, true, false, "client-streaming"},
		{StreamStream, true, true, "bidi-streaming"},
	}
	for _, tt := range tests {
		if tt.mode.ClientStreaming() != tt.client || tt.mode.ServerStreaming() != tt.server {
			t.Errorf("%v: flags client=%v server=%v", tt.mode, tt.mode.ClientStreaming(), tt.mode.ServerStreaming())
		}
		if tt.mode.String() != tt.str {
			t.Errorf("%v.String() = %q", tt.mode, tt.mode.String())
		}
	}
}

func TestNewUnaryNilPanics(t *testing.T) {
	defer func() {
		rec := recover()
		if rec == nil {
			t.Fatal("expected panic")
		}
		if _, ok := rec.(*SignatureError); !ok {
			t.Errorf("expected SignatureError, got %T", rec)
		}
	}()
	NewUnary[GreetRequest, GreetReply](nil)
}

func TestMethodTypes(t *testing.T) {
	m := NewUnary(greet)
	if m.Mode() != UnaryUnary {
		t.Errorf("mode = %v", m.Mode())
	}
	if m.RequestType() != reflect.TypeFor[GreetRequest]() {
		t.Errorf("request type = %v", m.RequestType())
	}
	if m.ResponseType() != reflect.TypeFor[GreetReply]() {
		t.Errorf("response type = %v", m.ResponseType())
	}
}

func TestTimestampRoundTrip(t *testing.T) {
	m := boundStampMethod(t)
	at := time.Date(2026, 3, 14, 9, 26, 53, 589793000, time.UTC)

	out, err := encodeResponse(m, StampReply{Label: "pi", At: at})
	if err != nil {
		t.Fatalf("encodeResponse: %v", err)
	}
	// The wire field is a plain string in RFC 3339 form.
	data, err := protojson.MarshalOptions{UseProtoNames: true}.Marshal(out)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if !strings.Contains(string(data), "2026-03-14T09:26:53") {
		t.Errorf("expected RFC 3339 timestamp on the wire, got %s", data)
	}

	back, err := decodeRequest[StampRequest](out)
	if err != nil {
		t.Fatalf("decodeRequest: %v", err)
	}
	if !back.At.Equal(at) {
		t.Errorf("timestamp changed across round trip: %v vs %v", back.At, at)
	}
	if back.Label != "pi" {
		t.Errorf("label = %q", back.Label)
	}
}

func TestEncodeResponseRawMap(t *testing.T) {
	m := boundStampMethod(t)
	out, err := encodeResponse(m, map[string]any{"label": "raw"})
	if err != nil {
		t.Fatalf("encodeResponse: %v", err)
	}
	typed, err := decodeRequest[StampReply](out)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if typed.Label != "raw" {
		t.Errorf("label = %q", typed.Label)
	}
}

func TestEncodeResponseUnknownFieldsDiscarded(t *testing.T) {
	m := boundStampMethod(t)
	out, err := encodeResponse(m, map[string]any{"label": "x", "bogus": 1})
	if err != nil {
		t.Fatalf("encodeResponse: %v", err)
	}
	typed, err := decodeRequest[StampReply](out)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if typed.Label != "x" {
		t.Errorf("label = %q", typed.Label)
	}
}

func TestEncodeResponseUnbound(t *testing.T) {
	m := NewUnary(func(ctx context.Context, req StampRequest) (StampReply, error) {
		return StampReply{}, nil
	})
	if _, err := encodeResponse(m, StampReply{}); err == nil {
		t.Error("expected error for unbound method")
	}
}

func TestEncodeResponsePassthrough(t *testing.T) {
	m := boundStampMethod(t)
	native := dynamicpb.NewMessage(m.responseDesc)
	out, err := encodeResponse(m, native)
	if err != nil {
		t.Fatalf("encodeResponse: %v", err)
	}
	if out != native {
		t.Error("wire-native response should pass through unmodified")
	}
}

func TestDecodeRequestEmpty(t *testing.T) {
	m := NewUnary(func(ctx context.Context, _ Empty) (GreetReply, error) {
		return GreetReply{Message: "ok"}, nil
	})
	if m.RequestType() != reflect.TypeFor[Empty]() {
		t.Errorf("request type = %v", m.RequestType())
	}

	b := protogen.NewBuilder("test")
	if err := b.AddService(protogen.ServiceSchema{
		Name:    "Svc",
		Package: "test",
		Methods: []protogen.MethodSchema{m.schema("Ping")},
	}); err != nil {
		t.Fatalf("AddService: %v", err)
	}
	doc, err := b.Document()
	if err != nil {
		t.Fatalf("Document: %v", err)
	}
	for _, msg := range doc.Messages {
		if msg.Name == "Empty" && len(msg.Fields) != 0 {
			t.Errorf("Empty should have no fields, got %d", len(msg.Fields))
		}
	}
}
