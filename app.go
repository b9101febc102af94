// Package protoforge builds gRPC services from plain Go functions. Handler
// request and response types are compiled into proto3 schemas at startup,
// so no generated stubs are required on the server side.
//
//	app := protoforge.New("Greeter")
//	app.Register("SayHello", protoforge.NewUnary(sayHello))
//	log.Fatal(app.ListenAndServe(ctx, ":50051"))
package protoforge

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"sync"

	"google.golang.org/grpc"
	"google.golang.org/grpc/reflection"

	"github.com/protoforge/protoforge/protogen"
)

// App owns a set of services, compiles their schemas, and serves them.
// Configure it with the With* builders before the first call to Setup,
// BindTo or ListenAndServe.
type App struct {
	mu       sync.Mutex
	services map[string]*Service // keyed by full name
	order    []string
	dflt     *Service

	middlewares       []Middleware
	streamMiddlewares []StreamMiddleware
	logger            *slog.Logger
	errorTransformer  ErrorTransformer

	protoDir     string
	protocPath   string
	autoGenerate bool
	compileProto bool
	reflection   bool

	setupDone bool
	bindings  *protogen.Bindings
	documents []*protogen.Document
}

// New creates an app with a default service of the given name. Proto
// files are written to the current directory, schema generation and
// server reflection are on, and protoc compilation is off.
func New(name string, opts ...ServiceOption) *App {
	a := &App{
		services:     make(map[string]*Service),
		protoDir:     ".",
		autoGenerate: true,
		reflection:   true,
	}
	a.dflt = NewService(name, opts...)
	a.AddService(a.dflt)
	return a
}

// WithLogger sets a custom logger for the app.
// If not set, slog.Default() will be used.
func (a *App) WithLogger(logger *slog.Logger) *App {
	a.logger = logger
	return a
}

// WithErrorTransformer adds a custom error transformer.
// It returns the app for chaining.
func (a *App) WithErrorTransformer(fn ErrorTransformer) *App {
	a.errorTransformer = fn
	return a
}

// WithMiddleware adds middleware for calls producing a single response.
// Middleware executes in the order added, inside the built-in error
// middleware which always runs outer-most.
func (a *App) WithMiddleware(mws ...Middleware) *App {
	a.middlewares = append(a.middlewares, mws...)
	return a
}

// WithStreamMiddleware adds middleware for calls producing a response
// stream, with the same ordering rules as WithMiddleware.
func (a *App) WithStreamMiddleware(mws ...StreamMiddleware) *App {
	a.streamMiddlewares = append(a.streamMiddlewares, mws...)
	return a
}

// WithProtoDir sets the directory generated proto files are written to.
func (a *App) WithProtoDir(dir string) *App {
	a.protoDir = dir
	return a
}

// WithAutoGenerate controls whether Setup writes the generated proto
// files to disk. Schema compilation happens either way.
func (a *App) WithAutoGenerate(enabled bool) *App {
	a.autoGenerate = enabled
	return a
}

// WithCompileProto makes Setup invoke protoc on each generated file.
// A compilation failure is fatal to Setup.
func (a *App) WithCompileProto(enabled bool) *App {
	a.compileProto = enabled
	return a
}

// WithProtocPath sets the protoc binary used by WithCompileProto.
func (a *App) WithProtocPath(path string) *App {
	a.protocPath = path
	return a
}

// WithReflection controls whether ListenAndServe registers the grpc
// server reflection service. On by default.
func (a *App) WithReflection(enabled bool) *App {
	a.reflection = enabled
	return a
}

// Service returns the app's default service.
func (a *App) Service() *Service {
	return a.dflt
}

// Register registers a method on the app's default service.
func (a *App) Register(name string, m *Method) *App {
	a.dflt.Register(name, m)
	return a
}

// AddService adds a service to the app. Adding a service whose full name
// is already present merges its methods into the existing one.
func (a *App) AddService(svc *Service) *App {
	a.mu.Lock()
	defer a.mu.Unlock()
	full := svc.FullName()
	if existing, ok := a.services[full]; ok {
		if existing != svc {
			existing.merge(svc)
		}
		return a
	}
	a.services[full] = svc
	a.order = append(a.order, full)
	return a
}

// ServiceNames returns the full names of all added services in order.
func (a *App) ServiceNames() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	names := make([]string, len(a.order))
	copy(names, a.order)
	return names
}

// Setup compiles every service schema into proto documents, writes and
// optionally compiles the proto files, and resolves the descriptors used
// at serve time. It runs once; later calls are no-ops.
func (a *App) Setup() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.setupDone {
		return nil
	}
	logger := a.loggerOrDefault()

	// Services sharing a proto file compile into one document.
	builders := make(map[string]*protogen.Builder)
	var files []string
	for _, full := range a.order {
		svc := a.services[full]
		b, ok := builders[svc.ProtoFile()]
		if !ok {
			b = protogen.NewBuilder(svc.Package(), protogen.WithFileName(svc.ProtoFile()))
			builders[svc.ProtoFile()] = b
			files = append(files, svc.ProtoFile())
		}
		if err := b.AddService(svc.Schema()); err != nil {
			return fmt.Errorf("compiling schema for %s: %w", full, err)
		}
	}

	a.documents = a.documents[:0]
	for _, file := range files {
		doc, err := builders[file].Document()
		if err != nil {
			return err
		}
		a.documents = append(a.documents, doc)

		path := filepath.Join(a.protoDir, doc.FileName)
		if a.autoGenerate {
			if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
				return fmt.Errorf("creating proto dir: %w", err)
			}
			if err := os.WriteFile(path, []byte(doc.Render()), 0o644); err != nil {
				return fmt.Errorf("writing %s: %w", path, err)
			}
			logger.Info("generated proto file", slog.String("path", path))
		}

		// With generation off the file is expected to be maintained by
		// hand at the same path.
		if a.compileProto {
			if err := protogen.Compile(path, protogen.CompileOptions{ProtocPath: a.protocPath}); err != nil {
				return err
			}
			logger.Info("compiled proto file", slog.String("path", path))
		}
	}

	bindings, err := protogen.NewBindings(a.documents...)
	if err != nil {
		return err
	}
	a.bindings = bindings
	a.setupDone = true
	return nil
}

// Documents returns the compiled proto documents. Setup must have run.
func (a *App) Documents() []*protogen.Document {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.documents
}

// BindTo runs Setup and registers every service on the given registrar,
// typically a *grpc.Server.
func (a *App) BindTo(server grpc.ServiceRegistrar) error {
	if err := a.Setup(); err != nil {
		return err
	}
	cfg := bindConfig{
		bindings:          a.bindings,
		middlewares:       a.middlewares,
		streamMiddlewares: a.streamMiddlewares,
		logger:            a.loggerOrDefault(),
		errorTransformer:  a.errorTransformer,
	}
	for _, full := range a.ServiceNames() {
		a.mu.Lock()
		svc := a.services[full]
		a.mu.Unlock()
		if err := svc.bind(server, cfg); err != nil {
			return err
		}
	}
	return nil
}

// ListenAndServe binds the app to a fresh grpc server and serves on addr
// until ctx is canceled, then stops gracefully.
func (a *App) ListenAndServe(ctx context.Context, addr string) error {
	server := grpc.NewServer()
	if err := a.BindTo(server); err != nil {
		return err
	}
	if a.reflection {
		reflection.Register(server)
	}
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", addr, err)
	}
	a.loggerOrDefault().Info("serving grpc",
		slog.String("addr", lis.Addr().String()),
		slog.Any("services", a.ServiceNames()))
	go func() {
		<-ctx.Done()
		server.GracefulStop()
	}()
	return server.Serve(lis)
}

func (a *App) loggerOrDefault() *slog.Logger {
	if a.logger != nil {
		return a.logger
	}
	return slog.Default()
}
