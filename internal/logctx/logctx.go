// Package logctx enriches slog records with request-scoped context carried
// through context.Context values. Transports attach connection, session, and
// message data as a request flows through the runtime; the Handler folds
// whatever is present into each emitted record.
package logctx

import (
	"context"
	"log/slog"
)

type Handler struct {
	slog.Handler
}

func (h Handler) Handle(ctx context.Context, r slog.Record) error {
	if cd, ok := ctx.Value(connDataKey{}).(*ConnData); ok {
		r.AddAttrs(slog.Group("conn",
			slog.String("id", cd.ConnID),
			slog.String("transport", cd.Transport),
			slog.String("remote_addr", cd.RemoteAddr),
		))
	}

	if sd, ok := ctx.Value(sessionDataKey{}).(*SessionData); ok {
		r.AddAttrs(slog.Group("sess",
			slog.String("id", sd.SessionID),
			slog.String("state", sd.State),
		))
	}

	if msg, ok := ctx.Value(rpcMsgKey{}).(*RPCMessage); ok {
		r.AddAttrs(slog.Group("rpc",
			slog.String("method", msg.Method),
			slog.String("id", msg.ID),
			slog.String("type", msg.Type),
		))
	}

	if td, ok := ctx.Value(taskDataKey{}).(*TaskData); ok {
		r.AddAttrs(slog.Group("task",
			slog.String("id", td.TaskID),
			slog.String("state", td.State),
		))
	}

	return h.Handler.Handle(ctx, r)
}

type connDataKey struct{}

type ConnData struct {
	ConnID     string
	Transport  string
	RemoteAddr string
}

func WithConnData(ctx context.Context, data *ConnData) context.Context {
	return context.WithValue(ctx, connDataKey{}, data)
}

type sessionDataKey struct{}

type SessionData struct {
	SessionID string
	State     string
}

func WithSessionData(ctx context.Context, data *SessionData) context.Context {
	return context.WithValue(ctx, sessionDataKey{}, data)
}

type rpcMsgKey struct{}

type RPCMessage struct {
	Method string
	ID     string
	Type   string
}

func WithRPCMessage(ctx context.Context, msg *RPCMessage) context.Context {
	return context.WithValue(ctx, rpcMsgKey{}, msg)
}

type taskDataKey struct{}

type TaskData struct {
	TaskID string
	State  string
}

func WithTaskData(ctx context.Context, data *TaskData) context.Context {
	return context.WithValue(ctx, taskDataKey{}, data)
}
