package protoforge

import (
	"context"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/schema"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/peer"
)

type contextKey struct {
	name string
}

var callContextKey = &contextKey{"call_context"}

// metadataDecoder maps incoming metadata onto tagged structs. Metadata
// carries values the same shape as url.Values, so the schema decoder
// applies directly.
var metadataDecoder = newMetadataDecoder()

func newMetadataDecoder() *schema.Decoder {
	d := schema.NewDecoder()
	d.IgnoreUnknownKeys(true)
	return d
}

// CallContext is the per-call context handed to handlers and middleware.
// It embeds the transport context, so it satisfies context.Context and
// flows through deadline and cancellation as usual.
//
// A CallContext is safe for concurrent use.
type CallContext struct {
	context.Context

	service string
	method  string
	stream  grpc.ServerStream
	start   time.Time

	mdOnce sync.Once
	md     metadata.MD

	mu      sync.Mutex
	code    codes.Code
	details string
}

func newCallContext(ctx context.Context, service, method string, stream grpc.ServerStream) *CallContext {
	c := &CallContext{
		service: service,
		method:  method,
		stream:  stream,
		start:   time.Now(),
		code:    codes.OK,
	}
	c.Context = context.WithValue(ctx, callContextKey, c)
	return c
}

// FromContext returns the CallContext threaded through ctx, if any. It
// works on contexts handlers derive from the one they were called with.
func FromContext(ctx context.Context) (*CallContext, bool) {
	c, ok := ctx.Value(callContextKey).(*CallContext)
	return c, ok
}

// Service returns the fully qualified service name, e.g. "greeter.Greeter".
func (c *CallContext) Service() string { return c.service }

// Method returns the bare method name, e.g. "SayHello".
func (c *CallContext) Method() string { return c.method }

// FullMethod returns the method in grpc wire form, "/pkg.Service/Method".
func (c *CallContext) FullMethod() string {
	return "/" + c.service + "/" + c.method
}

// EndpointID returns "Service.Method" with the package stripped, the form
// used in log lines.
func (c *CallContext) EndpointID() string {
	service := c.service
	for i := len(service) - 1; i >= 0; i-- {
		if service[i] == '.' {
			service = service[i+1:]
			break
		}
	}
	return service + "." + c.method
}

// IsActive reports whether the call is still live. Streaming handlers
// should check it between items so a departed client stops production.
func (c *CallContext) IsActive() bool {
	return c.Context.Err() == nil
}

// TimeRemaining returns the time left before the call's deadline, and
// false when no deadline is set.
func (c *CallContext) TimeRemaining() (time.Duration, bool) {
	deadline, ok := c.Context.Deadline()
	if !ok {
		return 0, false
	}
	return time.Until(deadline), true
}

// Elapsed returns the time since the call started.
func (c *CallContext) Elapsed() time.Duration {
	return time.Since(c.start)
}

// Peer returns the remote address, or "" when the transport did not
// record one.
func (c *CallContext) Peer() string {
	if p, ok := peer.FromContext(c.Context); ok && p.Addr != nil {
		return p.Addr.String()
	}
	return ""
}

// Metadata returns the incoming call metadata. The lookup happens once
// and the same map is returned on every call.
func (c *CallContext) Metadata() metadata.MD {
	c.mdOnce.Do(func() {
		md, ok := metadata.FromIncomingContext(c.Context)
		if !ok {
			md = metadata.MD{}
		}
		c.md = md
	})
	return c.md
}

// DecodeMetadata maps incoming metadata onto a tagged struct using the
// schema decoder. Keys without a matching field are ignored.
func (c *CallContext) DecodeMetadata(dst any) error {
	return metadataDecoder.Decode(dst, url.Values(c.Metadata()))
}

// SetHeader sets header metadata to be sent before the first response
// message.
func (c *CallContext) SetHeader(md metadata.MD) error {
	if c.stream != nil {
		return c.stream.SetHeader(md)
	}
	return grpc.SetHeader(c.Context, md)
}

// SetTrailer sets trailer metadata to be sent when the call completes.
func (c *CallContext) SetTrailer(md metadata.MD) error {
	if c.stream != nil {
		c.stream.SetTrailer(md)
		return nil
	}
	return grpc.SetTrailer(c.Context, md)
}

// SetCode records the terminal status code without ending the call.
func (c *CallContext) SetCode(code codes.Code) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.code = code
}

// SetDetails records the terminal status message without ending the call.
func (c *CallContext) SetDetails(details string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.details = details
}

// Code returns the recorded terminal status code.
func (c *CallContext) Code() codes.Code {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.code
}

// Details returns the recorded terminal status message.
func (c *CallContext) Details() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.details
}

// Abort records the status and returns an error that terminates the call
// with it. Handlers use it as "return ctx.Abort(...)".
func (c *CallContext) Abort(code codes.Code, details string) error {
	c.SetCode(code)
	c.SetDetails(details)
	return NewError(code, details)
}
