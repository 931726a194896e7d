package telegram

import (
	"context"
	"runtime/debug"
	"time"

	"github.com/cockroachdb/errors"

	logx "skillcron/pkg/logx"
)

type HandlerFunc func(ctx context.Context, req *Request) error

// wrapper decorates a command handler. The first wrapper passed to wrap runs
// outermost.
type wrapper func(HandlerFunc) HandlerFunc

func wrap(h HandlerFunc, ws ...wrapper) HandlerFunc {
	for i := len(ws) - 1; i >= 0; i-- {
		h = ws[i](h)
	}
	return h
}

// recoverPanic turns a handler panic into an error the user sees as a reply.
func recoverPanic(log logx.Logger) wrapper {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *Request) (err error) {
			defer func() {
				r := recover()
				if r == nil {
					return
				}
				log.Error("command panicked",
					logx.String("cmd", req.Command),
					logx.Any("panic", r),
					logx.Stack(string(debug.Stack())),
				)
				err = errors.Newf("panic: %v", r)
			}()
			return next(ctx, req)
		}
	}
}

// slowCommand promotes the completion log line from debug to info.
const slowCommand = 750 * time.Millisecond

func logCommand(log logx.Logger) wrapper {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *Request) error {
			began := time.Now()
			err := next(ctx, req)
			took := time.Since(began)

			l := log.With(
				logx.String("cmd", req.Command),
				logx.String("chat", req.Chat.String()),
				logx.Int64("from_id", req.FromID),
				logx.Duration("took", took),
			)
			if err != nil {
				l.Warn("command failed", logx.Err(err))
				return err
			}
			if took >= slowCommand {
				l.Info("command done")
			} else {
				l.Debug("command done")
			}
			return nil
		}
	}
}

// withDeadline bounds a handler; zero leaves it unbounded.
func withDeadline(d time.Duration) wrapper {
	return func(next HandlerFunc) HandlerFunc {
		if d <= 0 {
			return next
		}
		return func(ctx context.Context, req *Request) error {
			ctx, cancel := context.WithTimeout(ctx, d)
			defer cancel()
			return next(ctx, req)
		}
	}
}
