package middleware

import (
	"iter"
	"log/slog"
	"runtime/debug"

	"google.golang.org/grpc/codes"
	"google.golang.org/protobuf/proto"

	"github.com/protoforge/protoforge"
)

// Recovery creates middleware that converts handler panics into Internal
// errors instead of crashing the server. The panic value and stack are
// logged; the client sees a generic message.
func Recovery(logger *slog.Logger) protoforge.Middleware {
	if logger == nil {
		logger = slog.Default()
	}

	return func(c *protoforge.CallContext, req any, next protoforge.Handler) (res any, err error) {
		defer func() {
			if rec := recover(); rec != nil {
				logger.ErrorContext(c, "panic recovered",
					slog.String("endpoint", c.EndpointID()),
					slog.Any("panic", rec),
					slog.String("stack", string(debug.Stack())),
				)
				res = nil
				err = protoforge.NewError(codes.Internal, "internal server error")
			}
		}()
		return next(c, req)
	}
}

// StreamRecovery creates stream middleware that converts a panic during
// stream production into a terminal Internal error.
func StreamRecovery(logger *slog.Logger) protoforge.StreamMiddleware {
	if logger == nil {
		logger = slog.Default()
	}

	return func(c *protoforge.CallContext, req any, next protoforge.StreamHandler) iter.Seq2[proto.Message, error] {
		return func(yield func(proto.Message, error) bool) {
			defer func() {
				if rec := recover(); rec != nil {
					logger.ErrorContext(c, "panic recovered",
						slog.String("endpoint", c.EndpointID()),
						slog.Any("panic", rec),
						slog.String("stack", string(debug.Stack())),
					)
					yield(nil, protoforge.NewError(codes.Internal, "internal server error"))
				}
			}()
			for msg, err := range next(c, req) {
				if !yield(msg, err) {
					return
				}
			}
		}
	}
}
