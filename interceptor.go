package protoforge

import (
	"iter"
	"log/slog"

	"google.golang.org/protobuf/encoding/prototext"
	"google.golang.org/protobuf/proto"
)

// Handler represents the next handler in a middleware chain for calls
// producing a single response. It is passed to [Middleware] functions to
// invoke the next middleware or the final method handler.
//
// For unary-request methods req is the decoded wire message; for
// client-streaming methods it is an iter.Seq2[proto.Message, error] over
// the incoming messages.
type Handler func(c *CallContext, req any) (res any, err error)

// Middleware wraps handler execution for calls producing a single
// response.
//
//	func timing(c *protoforge.CallContext, req any, next protoforge.Handler) (any, error) {
//	    res, err := next(c, req)
//	    log.Printf("%s took %v", c.EndpointID(), c.Elapsed())
//	    return res, err
//	}
//
// Middleware can inspect or replace the request, inspect or replace the
// response, or short-circuit by returning an error without calling next.
type Middleware func(c *CallContext, req any, next Handler) (res any, err error)

// StreamHandler represents the next handler in a middleware chain for
// calls producing a response stream. The returned sequence yields each
// response message, or a single terminal error.
type StreamHandler func(c *CallContext, req any) iter.Seq2[proto.Message, error]

// StreamMiddleware wraps handler execution for calls producing a response
// stream. Implementations typically return a sequence that re-yields the
// inner sequence, observing or transforming items as they pass.
type StreamMiddleware func(c *CallContext, req any, next StreamHandler) iter.Seq2[proto.Message, error]

// chainMiddleware combines middleware into a single handler. The first
// entry in the slice is the outer-most one (runs first).
func chainMiddleware(mws []Middleware, final Handler) Handler {
	chain := final
	for i := len(mws) - 1; i >= 0; i-- {
		current := mws[i]
		next := chain
		chain = func(c *CallContext, req any) (any, error) {
			return current(c, req, next)
		}
	}
	return chain
}

// chainStreamMiddleware combines stream middleware into a single stream
// handler. The first entry in the slice is the outer-most one.
func chainStreamMiddleware(mws []StreamMiddleware, final StreamHandler) StreamHandler {
	chain := final
	for i := len(mws) - 1; i >= 0; i-- {
		current := mws[i]
		next := chain
		chain = func(c *CallContext, req any) iter.Seq2[proto.Message, error] {
			return current(c, req, next)
		}
	}
	return chain
}

// errorMiddleware is installed as the outer-most middleware on every
// unary-response call. It transforms handler errors to service errors,
// records the terminal status on the call context, and emits the access
// log line.
func errorMiddleware(logger *slog.Logger, transform ErrorTransformer) Middleware {
	return func(c *CallContext, req any, next Handler) (any, error) {
		res, err := next(c, req)
		if err != nil {
			svcErr := transformError(err, transform)
			c.SetCode(svcErr.Code)
			c.SetDetails(svcErr.Message)
			logger.Error("rpc failed",
				slog.String("method", c.EndpointID()),
				slog.String("request", compactMessage(req)),
				slog.Duration("elapsed", c.Elapsed()),
				slog.Any("error", err))
			return nil, svcErr
		}
		logger.Info("rpc ok",
			slog.String("method", c.EndpointID()),
			slog.String("request", compactMessage(req)),
			slog.Duration("elapsed", c.Elapsed()))
		return res, nil
	}
}

// streamErrorMiddleware is the streaming counterpart of errorMiddleware,
// installed as the outer-most stream middleware. A failure inside the
// stream is transformed, recorded and yielded as the terminal item.
func streamErrorMiddleware(logger *slog.Logger, transform ErrorTransformer) StreamMiddleware {
	return func(c *CallContext, req any, next StreamHandler) iter.Seq2[proto.Message, error] {
		return func(yield func(proto.Message, error) bool) {
			for msg, err := range next(c, req) {
				if err != nil {
					svcErr := transformError(err, transform)
					c.SetCode(svcErr.Code)
					c.SetDetails(svcErr.Message)
					logger.Error("rpc failed",
						slog.String("method", c.EndpointID()),
						slog.String("request", compactMessage(req)),
						slog.Duration("elapsed", c.Elapsed()),
						slog.Any("error", err))
					yield(nil, svcErr)
					return
				}
				if !yield(msg, nil) {
					return
				}
			}
			logger.Info("rpc ok",
				slog.String("method", c.EndpointID()),
				slog.String("request", compactMessage(req)),
				slog.Duration("elapsed", c.Elapsed()))
		}
	}
}

func transformError(err error, transform ErrorTransformer) *Error {
	if transform != nil {
		if svcErr := transform(err); svcErr != nil {
			return svcErr
		}
	}
	return DefaultErrorTransformer(err)
}

// compactMessage renders a request for log lines. Streamed requests have
// no single message to show, so a placeholder stands in.
func compactMessage(req any) string {
	if m, ok := req.(proto.Message); ok {
		return prototext.MarshalOptions{}.Format(m)
	}
	return "<stream>"
}
