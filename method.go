package protoforge

import (
	"context"
	"encoding/json"
	"iter"
	"reflect"

	"github.com/go-playground/validator/v10"
	"google.golang.org/grpc/codes"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/reflect/protoreflect"
	"google.golang.org/protobuf/types/dynamicpb"

	"github.com/protoforge/protoforge/protogen"
)

var validate = validator.New()

var protoMessageType = reflect.TypeOf((*proto.Message)(nil)).Elem()

// Mode identifies the streaming shape of a method.
type Mode int

const (
	// UnaryUnary takes one request and returns one response.
	UnaryUnary Mode = iota
	// UnaryStream takes one request and returns a response stream.
	UnaryStream
	// StreamUnary takes a request stream and returns one response.
	StreamUnary
	// StreamStream takes a request stream and returns a response stream.
	StreamStream
)

// ClientStreaming reports whether the client sends a message stream.
func (m Mode) ClientStreaming() bool {
	return m == StreamUnary || m == StreamStream
}

// ServerStreaming reports whether the server sends a message stream.
func (m Mode) ServerStreaming() bool {
	return m == UnaryStream || m == StreamStream
}

func (m Mode) String() string {
	switch m {
	case UnaryUnary:
		return "unary"
	case UnaryStream:
		return "server-streaming"
	case StreamUnary:
		return "client-streaming"
	case StreamStream:
		return "bidi-streaming"
	default:
		return "unknown"
	}
}

// Method is a registered rpc handler together with the request and
// response types it was constructed with. Build one with [NewUnary],
// [NewServerStream], [NewClientStream] or [NewBidiStream] and register it
// on a [Service].
//
// The message descriptors are resolved when the owning service binds to a
// server; until then the method cannot encode raw responses.
type Method struct {
	name         string
	mode         Mode
	requestType  reflect.Type
	responseType reflect.Type

	requestDesc  protoreflect.MessageDescriptor
	responseDesc protoreflect.MessageDescriptor

	// Exactly one of these is set, by mode: unary for modes producing a
	// single response, stream for modes producing a response stream.
	unary  Handler
	stream StreamHandler
}

// Name returns the method name. Empty until the method is registered.
func (m *Method) Name() string { return m.name }

// Mode returns the method's streaming shape.
func (m *Method) Mode() Mode { return m.mode }

// RequestType returns the Go request type the method was built with.
func (m *Method) RequestType() reflect.Type { return m.requestType }

// ResponseType returns the Go response type the method was built with.
func (m *Method) ResponseType() reflect.Type { return m.responseType }

func (m *Method) schema(name string) protogen.MethodSchema {
	return protogen.MethodSchema{
		Name:            name,
		Request:         m.requestType,
		Response:        m.responseType,
		ClientStreaming: m.mode.ClientStreaming(),
		ServerStreaming: m.mode.ServerStreaming(),
	}
}

// NewUnary creates a method taking one request and returning one response.
func NewUnary[Req any, Res any](fn func(ctx context.Context, req Req) (Res, error)) *Method {
	if fn == nil {
		panic(&SignatureError{Reason: "nil handler function"})
	}
	m := newMethod[Req, Res](UnaryUnary)
	encode := newResponseEncoder[Res](m)
	m.unary = func(c *CallContext, req any) (any, error) {
		typed, err := decodeRequest[Req](req)
		if err != nil {
			return nil, err
		}
		res, err := fn(c, typed)
		if err != nil {
			return nil, err
		}
		return encode(res)
	}
	return m
}

// NewServerStream creates a method taking one request and returning a
// response stream. Production stops when the client departs: the handler's
// sequence is not pulled again once the call context is inactive.
func NewServerStream[Req any, Res any](fn func(ctx context.Context, req Req) iter.Seq2[Res, error]) *Method {
	if fn == nil {
		panic(&SignatureError{Reason: "nil handler function"})
	}
	m := newMethod[Req, Res](UnaryStream)
	encode := newResponseEncoder[Res](m)
	m.stream = func(c *CallContext, req any) iter.Seq2[proto.Message, error] {
		return func(yield func(proto.Message, error) bool) {
			typed, err := decodeRequest[Req](req)
			if err != nil {
				yield(nil, err)
				return
			}
			emitResponses(c, fn(c, typed), encode, yield)
		}
	}
	return m
}

// NewClientStream creates a method taking a request stream and returning
// one response. The handler pulls requests lazily; each message is decoded
// and validated as it is pulled.
func NewClientStream[Req any, Res any](fn func(ctx context.Context, reqs iter.Seq2[Req, error]) (Res, error)) *Method {
	if fn == nil {
		panic(&SignatureError{Reason: "nil handler function"})
	}
	m := newMethod[Req, Res](StreamUnary)
	encode := newResponseEncoder[Res](m)
	m.unary = func(c *CallContext, req any) (any, error) {
		wire, ok := req.(iter.Seq2[proto.Message, error])
		if !ok {
			return nil, Errorf(codes.Internal, "%s: request is not a stream", m.name)
		}
		res, err := fn(c, decodeRequestStream[Req](c, wire))
		if err != nil {
			return nil, err
		}
		return encode(res)
	}
	return m
}

// NewBidiStream creates a method taking a request stream and returning a
// response stream. Requests are pulled lazily, responses are emitted as
// the handler yields them, and production stops once the call context is
// inactive.
func NewBidiStream[Req any, Res any](fn func(ctx context.Context, reqs iter.Seq2[Req, error]) iter.Seq2[Res, error]) *Method {
	if fn == nil {
		panic(&SignatureError{Reason: "nil handler function"})
	}
	m := newMethod[Req, Res](StreamStream)
	encode := newResponseEncoder[Res](m)
	m.stream = func(c *CallContext, req any) iter.Seq2[proto.Message, error] {
		return func(yield func(proto.Message, error) bool) {
			wire, ok := req.(iter.Seq2[proto.Message, error])
			if !ok {
				yield(nil, Errorf(codes.Internal, "%s: request is not a stream", m.name))
				return
			}
			emitResponses(c, fn(c, decodeRequestStream[Req](c, wire)), encode, yield)
		}
	}
	return m
}

func newMethod[Req any, Res any](mode Mode) *Method {
	return &Method{
		mode:         mode,
		requestType:  reflect.TypeFor[Req](),
		responseType: reflect.TypeFor[Res](),
	}
}

// emitResponses drains the handler's sequence into the wire yield,
// encoding each item and stopping early on error or when the call goes
// inactive.
func emitResponses[Res any](c *CallContext, seq iter.Seq2[Res, error], encode func(Res) (proto.Message, error), yield func(proto.Message, error) bool) {
	for res, err := range seq {
		if err != nil {
			yield(nil, err)
			return
		}
		if !c.IsActive() {
			return
		}
		msg, err := encode(res)
		if err != nil {
			yield(nil, err)
			return
		}
		if !yield(msg, nil) {
			return
		}
	}
}

// decodeRequest converts a wire message into the handler's request type
// and validates it. Wire-native handlers declaring a proto.Message request
// receive the message untouched.
func decodeRequest[Req any](req any) (Req, error) {
	var typed Req
	if native, ok := req.(Req); ok && reflect.TypeFor[Req]().Implements(protoMessageType) {
		return native, nil
	}
	in, ok := req.(proto.Message)
	if !ok {
		return typed, Errorf(codes.Internal, "request is not a message")
	}
	data, err := protojson.MarshalOptions{UseProtoNames: true, EmitUnpopulated: true}.Marshal(in)
	if err != nil {
		return typed, Errorf(codes.Internal, "encoding request: %v", err)
	}
	if t := reflect.TypeFor[Req](); needsRename(t) {
		if data, err = fromWireNames(data, t); err != nil {
			return typed, Errorf(codes.Internal, "renaming request fields: %v", err)
		}
	}
	if err := json.Unmarshal(data, &typed); err != nil {
		return typed, Errorf(codes.InvalidArgument, "binding request: %v", err)
	}
	if err := validateRequest(typed); err != nil {
		return typed, err
	}
	return typed, nil
}

func validateRequest(v any) error {
	rv := reflect.ValueOf(v)
	for rv.Kind() == reflect.Pointer {
		if rv.IsNil() {
			return nil
		}
		rv = rv.Elem()
	}
	if rv.Kind() != reflect.Struct || rv.NumField() == 0 {
		return nil
	}
	return validate.Struct(rv.Interface())
}

// decodeRequestStream adapts the wire message stream into a typed request
// stream. Decoding and validation happen per item as the handler pulls.
func decodeRequestStream[Req any](c *CallContext, wire iter.Seq2[proto.Message, error]) iter.Seq2[Req, error] {
	return func(yield func(Req, error) bool) {
		var zero Req
		for msg, err := range wire {
			if err != nil {
				yield(zero, err)
				return
			}
			if !c.IsActive() {
				return
			}
			typed, err := decodeRequest[Req](msg)
			if err != nil {
				yield(zero, err)
				return
			}
			if !yield(typed, nil) {
				return
			}
		}
	}
}

// newResponseEncoder picks the response conversion once at construction.
// Wire-native response types pass through untouched; everything else is
// coerced into a dynamic message for the method's response descriptor.
func newResponseEncoder[Res any](m *Method) func(Res) (proto.Message, error) {
	if reflect.TypeFor[Res]().Implements(protoMessageType) {
		return func(res Res) (proto.Message, error) {
			return any(res).(proto.Message), nil
		}
	}
	return func(res Res) (proto.Message, error) {
		return encodeResponse(m, res)
	}
}

// encodeResponse coerces a handler response into the method's response
// message. Typed structs and raw map values both travel through JSON, so
// field names follow the same rules in both directions.
func encodeResponse(m *Method, res any) (proto.Message, error) {
	if pm, ok := res.(proto.Message); ok {
		return pm, nil
	}
	if m.responseDesc == nil {
		return nil, Errorf(codes.Internal, "%s: method is not bound", m.name)
	}
	data, err := json.Marshal(res)
	if err != nil {
		return nil, Errorf(codes.Internal, "encoding response: %v", err)
	}
	if t := reflect.TypeOf(res); t != nil && needsRename(t) {
		if data, err = toWireNames(data, t); err != nil {
			return nil, Errorf(codes.Internal, "renaming response fields: %v", err)
		}
	}
	out := dynamicpb.NewMessage(m.responseDesc)
	if err := (protojson.UnmarshalOptions{DiscardUnknown: true}).Unmarshal(data, out); err != nil {
		return nil, Errorf(codes.Internal, "converting response: %v", err)
	}
	return out, nil
}
