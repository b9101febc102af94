package middleware_test

import (
	"bytes"
	"context"
	"errors"
	"io"
	"iter"
	"log/slog"
	"strings"
	"testing"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/proto"

	"github.com/protoforge/protoforge"
	"github.com/protoforge/protoforge/middleware"
)

type PingRequest struct {
	Name string `json:"name"`
}

type PingReply struct {
	Message string `json:"message"`
}

type captureRegistrar struct {
	descs []*grpc.ServiceDesc
}

func (r *captureRegistrar) RegisterService(desc *grpc.ServiceDesc, impl any) {
	r.descs = append(r.descs, desc)
}

type testStream struct {
	ctx  context.Context
	recv [][]byte
	sent int
}

func (s *testStream) SetHeader(metadata.MD) error  { return nil }
func (s *testStream) SendHeader(metadata.MD) error { return nil }
func (s *testStream) SetTrailer(metadata.MD)       {}
func (s *testStream) Context() context.Context     { return s.ctx }

func (s *testStream) SendMsg(m any) error {
	s.sent++
	return nil
}

func (s *testStream) RecvMsg(m any) error {
	if len(s.recv) == 0 {
		return io.EOF
	}
	data := s.recv[0]
	s.recv = s.recv[1:]
	return protojson.Unmarshal(data, m.(proto.Message))
}

// bind registers the app against a capture registrar and returns the
// resulting service descriptor.
func bind(t *testing.T, app *protoforge.App) *grpc.ServiceDesc {
	t.Helper()
	reg := &captureRegistrar{}
	if err := app.BindTo(reg); err != nil {
		t.Fatalf("BindTo: %v", err)
	}
	if len(reg.descs) != 1 {
		t.Fatalf("expected 1 registered service, got %d", len(reg.descs))
	}
	return reg.descs[0]
}

func quietApp() *protoforge.App {
	return protoforge.New("Pinger").
		WithAutoGenerate(false).
		WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func jsonDecoder(data string) func(any) error {
	return func(m any) error {
		return protojson.Unmarshal([]byte(data), m.(proto.Message))
	}
}

func TestLoggingUnary(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, nil))

	app := quietApp().WithMiddleware(middleware.Logging(logger))
	app.Register("Ping", protoforge.NewUnary(func(ctx context.Context, req PingRequest) (PingReply, error) {
		return PingReply{Message: "pong " + req.Name}, nil
	}))

	desc := bind(t, app)
	md := desc.Methods[0]

	if _, err := md.Handler(nil, context.Background(), jsonDecoder(`{"name":"a"}`), nil); err != nil {
		t.Fatalf("handler: %v", err)
	}

	out := buf.String()
	for _, want := range []string{"request started", "request completed", "endpoint=Pinger.Ping"} {
		if !strings.Contains(out, want) {
			t.Errorf("log missing %q:\n%s", want, out)
		}
	}
	if strings.Contains(out, "request failed") {
		t.Errorf("unexpected failure log:\n%s", out)
	}
}

func TestLoggingUnaryError(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, nil))

	app := quietApp().WithMiddleware(middleware.Logging(logger))
	app.Register("Ping", protoforge.NewUnary(func(ctx context.Context, req PingRequest) (PingReply, error) {
		return PingReply{}, errors.New("backend down")
	}))

	desc := bind(t, app)
	md := desc.Methods[0]

	if _, err := md.Handler(nil, context.Background(), jsonDecoder(`{}`), nil); err == nil {
		t.Fatal("expected error")
	}

	out := buf.String()
	if !strings.Contains(out, "request failed") {
		t.Errorf("expected failure log:\n%s", out)
	}
	if !strings.Contains(out, "backend down") {
		t.Errorf("expected error detail in log:\n%s", out)
	}
}

func TestStreamLogging(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, nil))

	app := quietApp().WithStreamMiddleware(middleware.StreamLogging(logger))
	app.Register("PingStream", protoforge.NewServerStream(func(ctx context.Context, req PingRequest) iter.Seq2[PingReply, error] {
		return func(yield func(PingReply, error) bool) {
			for _, m := range []string{"a", "b"} {
				if !yield(PingReply{Message: m}, nil) {
					return
				}
			}
		}
	}))

	desc := bind(t, app)
	stream := &testStream{ctx: context.Background(), recv: [][]byte{[]byte(`{}`)}}

	if err := desc.Streams[0].Handler(nil, stream); err != nil {
		t.Fatalf("stream handler: %v", err)
	}
	if stream.sent != 2 {
		t.Fatalf("expected 2 messages, got %d", stream.sent)
	}

	out := buf.String()
	for _, want := range []string{"stream started", "stream completed", "sent=2"} {
		if !strings.Contains(out, want) {
			t.Errorf("log missing %q:\n%s", want, out)
		}
	}
}

func TestStreamLoggingError(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, nil))

	app := quietApp().WithStreamMiddleware(middleware.StreamLogging(logger))
	app.Register("PingStream", protoforge.NewServerStream(func(ctx context.Context, req PingRequest) iter.Seq2[PingReply, error] {
		return func(yield func(PingReply, error) bool) {
			if !yield(PingReply{Message: "a"}, nil) {
				return
			}
			yield(PingReply{}, protoforge.NewError(codes.Unavailable, "upstream gone"))
		}
	}))

	desc := bind(t, app)
	stream := &testStream{ctx: context.Background(), recv: [][]byte{[]byte(`{}`)}}

	err := desc.Streams[0].Handler(nil, stream)
	if err == nil {
		t.Fatal("expected error")
	}
	if stream.sent != 1 {
		t.Fatalf("expected 1 message before failure, got %d", stream.sent)
	}
	if out := buf.String(); !strings.Contains(out, "stream failed") {
		t.Errorf("expected failure log:\n%s", out)
	}
}
