// Package middleware provides optional middleware for protoforge apps.
package middleware

import (
	"iter"
	"log/slog"
	"time"

	"google.golang.org/protobuf/proto"

	"github.com/protoforge/protoforge"
)

// Logging creates middleware that logs service calls using slog.
// It logs the start and end of each call, including duration and error status.
func Logging(logger *slog.Logger) protoforge.Middleware {
	if logger == nil {
		logger = slog.Default()
	}

	return func(c *protoforge.CallContext, req any, next protoforge.Handler) (any, error) {
		start := time.Now()

		logger.InfoContext(c, "request started",
			slog.String("endpoint", c.EndpointID()),
			slog.String("peer", c.Peer()),
		)

		res, err := next(c, req)
		duration := time.Since(start)

		if err != nil {
			logger.ErrorContext(c, "request failed",
				slog.String("endpoint", c.EndpointID()),
				slog.Duration("duration", duration),
				slog.Any("error", err),
			)
		} else {
			logger.InfoContext(c, "request completed",
				slog.String("endpoint", c.EndpointID()),
				slog.Duration("duration", duration),
			)
		}

		return res, err
	}
}

// StreamLogging creates stream middleware that logs the lifetime of a
// response stream, including the number of messages sent.
func StreamLogging(logger *slog.Logger) protoforge.StreamMiddleware {
	if logger == nil {
		logger = slog.Default()
	}

	return func(c *protoforge.CallContext, req any, next protoforge.StreamHandler) iter.Seq2[proto.Message, error] {
		return func(yield func(proto.Message, error) bool) {
			start := time.Now()
			sent := 0

			logger.InfoContext(c, "stream started",
				slog.String("endpoint", c.EndpointID()),
				slog.String("peer", c.Peer()),
			)

			for msg, err := range next(c, req) {
				if err != nil {
					logger.ErrorContext(c, "stream failed",
						slog.String("endpoint", c.EndpointID()),
						slog.Int("sent", sent),
						slog.Duration("duration", time.Since(start)),
						slog.Any("error", err),
					)
					yield(nil, err)
					return
				}
				sent++
				if !yield(msg, nil) {
					return
				}
			}

			logger.InfoContext(c, "stream completed",
				slog.String("endpoint", c.EndpointID()),
				slog.Int("sent", sent),
				slog.Duration("duration", time.Since(start)),
			)
		}
	}
}
