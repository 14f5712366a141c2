package router

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/MarvelSK/Isegoria/internal/apperr"
	"github.com/MarvelSK/Isegoria/internal/protocol"
	"github.com/google/uuid"
	"github.com/tidwall/gjson"
)

// HandlerFunc handles one decoded frame. A returned error is reported back
// to the originating connection.
type HandlerFunc func(ctx context.Context, connID uuid.UUID, frame gjson.Result) error

type ErrorReporter func(connID uuid.UUID, err error)

type EventRouter struct {
	logger   *slog.Logger
	mu       sync.RWMutex
	handlers map[protocol.Type]HandlerFunc
	report   ErrorReporter
}

func NewEventRouter(logger *slog.Logger) *EventRouter {
	return &EventRouter{
		logger:   logger.With(slog.String("component", "event_router")),
		handlers: make(map[protocol.Type]HandlerFunc),
		report:   func(uuid.UUID, error) {},
	}
}

func (r *EventRouter) Register(t protocol.Type, h HandlerFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.handlers[t]; exists {
		panic("handler already registered: " + string(t))
	}
	r.handlers[t] = h
}

func (r *EventRouter) SetErrorReporter(fn ErrorReporter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.report = fn
}

// HandleMessage matches transport.MessageHandler.
func (r *EventRouter) HandleMessage(ctx context.Context, connID uuid.UUID, msg []byte) {
	r.mu.RLock()
	report := r.report
	r.mu.RUnlock()

	if !gjson.ValidBytes(msg) {
		r.logger.Warn("Failed to parse client frame", slog.String("connID", connID.String()))
		report(connID, apperr.New(apperr.CodeValidation, "malformed frame"))
		return
	}
	frame := gjson.ParseBytes(msg)
	typ := frame.Get("type")
	if typ.Type != gjson.String {
		report(connID, apperr.New(apperr.CodeValidation, "frame is missing a type"))
		return
	}

	r.mu.RLock()
	handler, ok := r.handlers[protocol.Type(typ.Str)]
	r.mu.RUnlock()
	if !ok {
		r.logger.Warn("Received unknown event", slog.String("event", typ.Str), slog.String("connID", connID.String()))
		report(connID, apperr.New(apperr.CodeValidation, fmt.Sprintf("unknown message type %q", typ.Str)))
		return
	}

	r.logger.Debug("Dispatching event", slog.String("event", typ.Str), slog.String("connID", connID.String()))
	if err := handler(ctx, connID, frame); err != nil {
		r.logger.Debug("Handler failed", slog.String("event", typ.Str), slog.Any("error", err))
		report(connID, err)
	}
}

// String reads an optional string field. Missing and null read as "".
func String(frame gjson.Result, path string) (string, error) {
	v := frame.Get(path)
	switch v.Type {
	case gjson.Null:
		return "", nil
	case gjson.String:
		return v.Str, nil
	default:
		return "", apperr.New(apperr.CodeValidation, fmt.Sprintf("%s must be a string", path))
	}
}
