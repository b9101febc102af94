package protoforge

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"testing"

	"google.golang.org/grpc"
	"google.golang.org/grpc/metadata"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/proto"
)

type GreetRequest struct {
	Name string `json:"name" validate:"required"`
}

type GreetReply struct {
	Message string `json:"message"`
}

// fakeRegistrar captures service registration without a real server.
type fakeRegistrar struct {
	descs []*grpc.ServiceDesc
	impls []any
}

func (f *fakeRegistrar) RegisterService(desc *grpc.ServiceDesc, impl any) {
	f.descs = append(f.descs, desc)
	f.impls = append(f.impls, impl)
}

// fakeServerStream drives stream handlers in tests. Incoming messages are
// queued as JSON and decoded into whatever message RecvMsg is handed.
type fakeServerStream struct {
	ctx     context.Context
	recv    [][]byte
	sent    []proto.Message
	header  metadata.MD
	trailer metadata.MD
}

func newFakeStream(ctx context.Context, jsonMsgs ...string) *fakeServerStream {
	s := &fakeServerStream{ctx: ctx}
	for _, m := range jsonMsgs {
		s.recv = append(s.recv, []byte(m))
	}
	return s
}

func (s *fakeServerStream) SetHeader(md metadata.MD) error {
	if s.header == nil {
		s.header = metadata.MD{}
	}
	for k, v := range md {
		s.header[k] = v
	}
	return nil
}

func (s *fakeServerStream) SendHeader(md metadata.MD) error { return s.SetHeader(md) }

func (s *fakeServerStream) SetTrailer(md metadata.MD) {
	if s.trailer == nil {
		s.trailer = metadata.MD{}
	}
	for k, v := range md {
		s.trailer[k] = v
	}
}

func (s *fakeServerStream) Context() context.Context { return s.ctx }

func (s *fakeServerStream) SendMsg(m any) error {
	s.sent = append(s.sent, proto.Clone(m.(proto.Message)))
	return nil
}

func (s *fakeServerStream) RecvMsg(m any) error {
	if len(s.recv) == 0 {
		return io.EOF
	}
	data := s.recv[0]
	s.recv = s.recv[1:]
	return protojson.Unmarshal(data, m.(proto.Message))
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// buildApp binds a fresh app to a fake registrar and returns the captured
// service descriptor.
func buildApp(t *testing.T, configure func(*App)) (*App, *grpc.ServiceDesc) {
	t.Helper()
	app := New("Greeter").
		WithAutoGenerate(false).
		WithLogger(discardLogger())
	configure(app)
	reg := &fakeRegistrar{}
	if err := app.BindTo(reg); err != nil {
		t.Fatalf("BindTo: %v", err)
	}
	if len(reg.descs) != 1 {
		t.Fatalf("expected 1 registered service, got %d", len(reg.descs))
	}
	return app, reg.descs[0]
}

func findMethod(t *testing.T, desc *grpc.ServiceDesc, name string) grpc.MethodDesc {
	t.Helper()
	for _, m := range desc.Methods {
		if m.MethodName == name {
			return m
		}
	}
	t.Fatalf("method %s not found", name)
	return grpc.MethodDesc{}
}

func findStream(t *testing.T, desc *grpc.ServiceDesc, name string) grpc.StreamDesc {
	t.Helper()
	for _, s := range desc.Streams {
		if s.StreamName == name {
			return s
		}
	}
	t.Fatalf("stream %s not found", name)
	return grpc.StreamDesc{}
}

// jsonDecoder returns a dec function that fills the wire message from a
// JSON literal, standing in for the transport codec.
func jsonDecoder(data string) func(any) error {
	return func(m any) error {
		return protojson.Unmarshal([]byte(data), m.(proto.Message))
	}
}

// decodeReply converts a response message back into a typed struct.
func decodeReply(t *testing.T, msg any, dst any) {
	t.Helper()
	pm, ok := msg.(proto.Message)
	if !ok {
		t.Fatalf("response is not a proto message: %T", msg)
	}
	data, err := protojson.MarshalOptions{UseProtoNames: true}.Marshal(pm)
	if err != nil {
		t.Fatalf("marshal response: %v", err)
	}
	if err := json.Unmarshal(data, dst); err != nil {
		t.Fatalf("unmarshal response: %v", err)
	}
}
