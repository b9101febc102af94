package protoforge

import (
	"context"
	"errors"
	"io"
	"iter"
	"log/slog"
	"sync"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/reflect/protoreflect"
	"google.golang.org/protobuf/types/dynamicpb"

	"github.com/protoforge/protoforge/protogen"
)

// Service is a named collection of methods compiled into one proto
// service. Create one directly with [NewService] and add it to an [App],
// or use [App.Service] to get the app's default service.
type Service struct {
	name      string
	pkg       string
	protoFile string

	mu      sync.Mutex
	methods map[string]*Method
	order   []string
	logger  *slog.Logger
	bound   bool
}

// ServiceOption configures a Service.
type ServiceOption func(*Service)

// WithPackage overrides the proto package, which defaults to the snake
// case of the service name.
func WithPackage(pkg string) ServiceOption {
	return func(s *Service) { s.pkg = pkg }
}

// WithProtoFile overrides the proto file the service is declared in,
// which defaults to "<package>.proto". Services sharing a file compile
// into one document.
func WithProtoFile(name string) ServiceOption {
	return func(s *Service) { s.protoFile = name }
}

// NewService creates a service with the given name.
func NewService(name string, opts ...ServiceOption) *Service {
	if name == "" {
		panic(&SignatureError{Reason: "empty service name"})
	}
	s := &Service{
		name:    name,
		methods: make(map[string]*Method),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.pkg == "" {
		s.pkg = protogen.SnakeCase(name)
	}
	if s.protoFile == "" {
		s.protoFile = s.pkg + ".proto"
	}
	return s
}

// Name returns the bare service name.
func (s *Service) Name() string { return s.name }

// Package returns the proto package.
func (s *Service) Package() string { return s.pkg }

// ProtoFile returns the proto file the service compiles into.
func (s *Service) ProtoFile() string { return s.protoFile }

// FullName returns the fully qualified service name, "package.Service".
func (s *Service) FullName() string { return s.pkg + "." + s.name }

// Register registers a method under the given name.
// If a method is already registered under this name, it will be replaced
// and a warning will be logged.
func (s *Service) Register(name string, m *Method) *Service {
	if name == "" {
		panic(&SignatureError{Reason: "empty method name"})
	}
	if m == nil {
		panic(&SignatureError{Method: name, Reason: "nil method"})
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.methods[name]; exists {
		logger := s.logger
		if logger == nil {
			logger = slog.Default()
		}
		logger.Warn("duplicate method registration",
			slog.String("service", s.name),
			slog.String("method", name))
	} else {
		s.order = append(s.order, name)
	}
	m.name = name
	s.methods[name] = m
	return s
}

// MethodNames returns the registered method names in registration order.
func (s *Service) MethodNames() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	names := make([]string, len(s.order))
	copy(names, s.order)
	return names
}

// Schema returns the compilation input for the service.
func (s *Service) Schema() protogen.ServiceSchema {
	s.mu.Lock()
	defer s.mu.Unlock()
	schema := protogen.ServiceSchema{Name: s.name, Package: s.pkg}
	for _, name := range s.order {
		schema.Methods = append(schema.Methods, s.methods[name].schema(name))
	}
	return schema
}

// merge copies methods from other into s. Used when two services with the
// same full name are added to an app.
func (s *Service) merge(other *Service) {
	other.mu.Lock()
	defer other.mu.Unlock()
	for _, name := range other.order {
		s.Register(name, other.methods[name])
	}
}

// bindConfig carries app-level configuration into Service.bind.
type bindConfig struct {
	bindings          *protogen.Bindings
	middlewares       []Middleware
	streamMiddlewares []StreamMiddleware
	logger            *slog.Logger
	errorTransformer  ErrorTransformer
}

// bind resolves descriptors for every registered method and registers the
// resulting grpc service. Binding twice is a no-op.
func (s *Service) bind(server grpc.ServiceRegistrar, cfg bindConfig) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.bound {
		cfg.logger.Info("service already bound", slog.String("service", s.FullName()))
		return nil
	}
	s.logger = cfg.logger

	sd, err := cfg.bindings.Service(s.FullName())
	if err != nil {
		return &IntegrationError{Service: s.FullName(), Reason: "service missing from compiled schema"}
	}

	desc := &grpc.ServiceDesc{
		ServiceName: s.FullName(),
		HandlerType: (*any)(nil),
		Metadata:    s.protoFile,
	}
	for _, name := range s.order {
		m := s.methods[name]
		md := sd.Methods().ByName(protoreflect.Name(name))
		if md == nil {
			return &IntegrationError{Service: s.FullName(), Method: name, Reason: "method missing from compiled schema"}
		}
		if md.IsStreamingClient() != m.mode.ClientStreaming() || md.IsStreamingServer() != m.mode.ServerStreaming() {
			return &IntegrationError{Service: s.FullName(), Method: name, Reason: "streaming shape does not match compiled schema"}
		}
		m.requestDesc = md.Input()
		m.responseDesc = md.Output()

		if m.mode == UnaryUnary {
			desc.Methods = append(desc.Methods, grpc.MethodDesc{
				MethodName: name,
				Handler:    s.unaryAdapter(m, cfg),
			})
			continue
		}
		desc.Streams = append(desc.Streams, grpc.StreamDesc{
			StreamName:    name,
			Handler:       s.streamAdapter(m, cfg),
			ServerStreams: m.mode.ServerStreaming(),
			ClientStreams: m.mode.ClientStreaming(),
		})
	}

	server.RegisterService(desc, s)
	s.bound = true
	return nil
}

// unaryAdapter returns the grpc method handler for a unary method. The
// middleware chain is assembled once at bind time.
func (s *Service) unaryAdapter(m *Method, cfg bindConfig) func(any, context.Context, func(any) error, grpc.UnaryServerInterceptor) (any, error) {
	mws := make([]Middleware, 0, len(cfg.middlewares)+1)
	mws = append(mws, errorMiddleware(cfg.logger, cfg.errorTransformer))
	mws = append(mws, cfg.middlewares...)
	chain := chainMiddleware(mws, m.unary)

	return func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		in := dynamicpb.NewMessage(m.requestDesc)
		if err := dec(in); err != nil {
			return nil, err
		}
		invoke := func(ctx context.Context, req any) (any, error) {
			c := newCallContext(ctx, s.FullName(), m.name, nil)
			res, err := chain(c, req)
			if err != nil {
				return nil, terminalStatus(c, err)
			}
			if c.Code() != codes.OK {
				return nil, status.Error(c.Code(), c.Details())
			}
			return res, nil
		}
		if interceptor == nil {
			return invoke(ctx, in)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + s.FullName() + "/" + m.name}
		return interceptor(ctx, in, info, invoke)
	}
}

// streamAdapter returns the grpc stream handler for the three streaming
// shapes. Client-streaming input is presented to the chain as a lazy
// sequence over RecvMsg.
func (s *Service) streamAdapter(m *Method, cfg bindConfig) grpc.StreamHandler {
	var unaryChain Handler
	var streamChain StreamHandler
	if m.mode.ServerStreaming() {
		smws := make([]StreamMiddleware, 0, len(cfg.streamMiddlewares)+1)
		smws = append(smws, streamErrorMiddleware(cfg.logger, cfg.errorTransformer))
		smws = append(smws, cfg.streamMiddlewares...)
		streamChain = chainStreamMiddleware(smws, m.stream)
	} else {
		mws := make([]Middleware, 0, len(cfg.middlewares)+1)
		mws = append(mws, errorMiddleware(cfg.logger, cfg.errorTransformer))
		mws = append(mws, cfg.middlewares...)
		unaryChain = chainMiddleware(mws, m.unary)
	}

	return func(srv any, stream grpc.ServerStream) error {
		c := newCallContext(stream.Context(), s.FullName(), m.name, stream)

		var req any
		if m.mode.ClientStreaming() {
			req = recvSeq(m, stream)
		} else {
			in := dynamicpb.NewMessage(m.requestDesc)
			if err := stream.RecvMsg(in); err != nil {
				return err
			}
			req = proto.Message(in)
		}

		if m.mode.ServerStreaming() {
			for msg, err := range streamChain(c, req) {
				if err != nil {
					return terminalStatus(c, err)
				}
				if err := stream.SendMsg(msg); err != nil {
					return err
				}
			}
			return trailerStatus(c)
		}

		res, err := unaryChain(c, req)
		if err != nil {
			return terminalStatus(c, err)
		}
		msg, ok := res.(proto.Message)
		if !ok {
			return status.Error(codes.Internal, "response is not a message")
		}
		if err := stream.SendMsg(msg); err != nil {
			return err
		}
		return trailerStatus(c)
	}
}

// recvSeq exposes the incoming message stream as a sequence. The sequence
// ends cleanly when the client closes its side.
func recvSeq(m *Method, stream grpc.ServerStream) iter.Seq2[proto.Message, error] {
	return func(yield func(proto.Message, error) bool) {
		for {
			in := dynamicpb.NewMessage(m.requestDesc)
			err := stream.RecvMsg(in)
			if errors.Is(err, io.EOF) {
				return
			}
			if err != nil {
				yield(nil, err)
				return
			}
			if !yield(in, nil) {
				return
			}
		}
	}
}

// terminalStatus maps a chain error to the status returned to grpc,
// preferring the code recorded on the call context.
func terminalStatus(c *CallContext, err error) error {
	var svcErr *Error
	if errors.As(err, &svcErr) {
		return status.Error(svcErr.Code, svcErr.Message)
	}
	code := c.Code()
	if code == codes.OK {
		code = codes.Internal
	}
	return status.Error(code, err.Error())
}

// trailerStatus turns a non-OK code recorded during a successful call
// into a terminal status.
func trailerStatus(c *CallContext) error {
	if code := c.Code(); code != codes.OK {
		return status.Error(code, c.Details())
	}
	return nil
}
