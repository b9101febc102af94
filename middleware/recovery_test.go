package middleware_test

import (
	"bytes"
	"context"
	"iter"
	"log/slog"
	"strings"
	"testing"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/protoforge/protoforge"
	"github.com/protoforge/protoforge/middleware"
)

func TestRecoveryUnary(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, nil))

	app := quietApp().WithMiddleware(middleware.Recovery(logger))
	app.Register("Ping", protoforge.NewUnary(func(ctx context.Context, req PingRequest) (PingReply, error) {
		panic("boom")
	}))

	desc := bind(t, app)
	md := desc.Methods[0]

	_, err := md.Handler(nil, context.Background(), jsonDecoder(`{}`), nil)
	if status.Code(err) != codes.Internal {
		t.Fatalf("expected Internal, got %v", err)
	}
	if !strings.Contains(err.Error(), "internal server error") {
		t.Errorf("client should see a generic message, got %q", err.Error())
	}

	out := buf.String()
	if !strings.Contains(out, "panic recovered") {
		t.Errorf("expected panic log:\n%s", out)
	}
	if !strings.Contains(out, "boom") {
		t.Errorf("expected panic value in log:\n%s", out)
	}
}

func TestRecoveryPassesThroughErrors(t *testing.T) {
	app := quietApp().WithMiddleware(middleware.Recovery(slog.New(slog.DiscardHandler)))
	app.Register("Ping", protoforge.NewUnary(func(ctx context.Context, req PingRequest) (PingReply, error) {
		return PingReply{}, protoforge.NewError(codes.NotFound, "no such ping")
	}))

	desc := bind(t, app)
	md := desc.Methods[0]

	_, err := md.Handler(nil, context.Background(), jsonDecoder(`{}`), nil)
	if status.Code(err) != codes.NotFound {
		t.Fatalf("expected NotFound, got %v", err)
	}
}

func TestStreamRecovery(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, nil))

	app := quietApp().WithStreamMiddleware(middleware.StreamRecovery(logger))
	app.Register("PingStream", protoforge.NewServerStream(func(ctx context.Context, req PingRequest) iter.Seq2[PingReply, error] {
		return func(yield func(PingReply, error) bool) {
			if !yield(PingReply{Message: "a"}, nil) {
				return
			}
			panic("mid-stream boom")
		}
	}))

	desc := bind(t, app)
	stream := &testStream{ctx: context.Background(), recv: [][]byte{[]byte(`{}`)}}

	err := desc.Streams[0].Handler(nil, stream)
	if status.Code(err) != codes.Internal {
		t.Fatalf("expected Internal, got %v", err)
	}
	if stream.sent != 1 {
		t.Fatalf("expected 1 message before panic, got %d", stream.sent)
	}
	if out := buf.String(); !strings.Contains(out, "mid-stream boom") {
		t.Errorf("expected panic value in log:\n%s", out)
	}
}
