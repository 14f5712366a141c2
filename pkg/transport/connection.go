package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"
)

var (
	ErrClosed        = errors.New("transport: connection closed")
	ErrSendQueueFull = errors.New("transport: send queue full")
)

// CloseError selects the status and reason sent in the close frame.
type CloseError struct {
	Status websocket.StatusCode
	Reason string
}

func (e *CloseError) Error() string {
	return fmt.Sprintf("closed with status %d: %s", int(e.Status), e.Reason)
}

// callback executed when a message is received.
type MessageHandler func(ctx context.Context, connId uuid.UUID, msg []byte)

type OnCloseHandler func(connId uuid.UUID, err error)

type ConnectionConfig struct {
	ReadTimeout   time.Duration // 0 waits forever
	WriteTimeout  time.Duration
	SendBuffer    int
	MaxFrameBytes int64
}

// Connection represents a single, thread-safe WebSocket connection.
type Connection struct {
	id     uuid.UUID
	conn   *websocket.Conn
	config ConnectionConfig
	send   chan []byte

	onMessage MessageHandler
	onClose   OnCloseHandler

	closed    chan struct{} // closed first, stops Send and the write pump
	done      chan struct{}
	wg        *sync.WaitGroup
	started   atomic.Bool
	ctx       context.Context
	closeOnce sync.Once
	cancel    context.CancelFunc

	logger *slog.Logger
}

func NewConnection(parentCtx context.Context, wg *sync.WaitGroup, conn *websocket.Conn, config ConnectionConfig, onMessage MessageHandler, onClose OnCloseHandler, logger *slog.Logger) *Connection {
	id := uuid.New()
	connCtx, cancel := context.WithCancel(parentCtx)
	connLogger := logger.With(slog.String("connID", id.String()))
	if config.SendBuffer <= 0 {
		config.SendBuffer = 64
	}
	if config.WriteTimeout <= 0 {
		config.WriteTimeout = 5 * time.Second
	}
	if conn != nil && config.MaxFrameBytes > 0 {
		conn.SetReadLimit(config.MaxFrameBytes)
	}

	return &Connection{
		id:        id,
		conn:      conn,
		logger:    connLogger,
		config:    config,
		onMessage: onMessage,
		send:      make(chan []byte, config.SendBuffer),
		closed:    make(chan struct{}),
		done:      make(chan struct{}),
		ctx:       connCtx,
		cancel:    cancel,
		onClose:   onClose,
		wg:        wg,
	}
}

func (c *Connection) Run() {
	c.wg.Add(1)
	c.started.Store(true)
	go c.readPump()
	go c.writePump()

	c.logger.Info("connection established")
}

// readPump pumps messages from the WebSocket connection to the message handler.
func (c *Connection) readPump() {
	var readErr error
	defer func() {
		c.Close(readErr)
	}()

	for {
		readCtx, cancelRead := c.readContext()
		typ, r, err := c.conn.Reader(readCtx)
		if err != nil {
			cancelRead()
			readErr = err
			return
		}
		// Ensure we are only handling text or binary messages.
		if typ != websocket.MessageText && typ != websocket.MessageBinary {
			cancelRead()
			continue
		}
		message, err := io.ReadAll(r)
		cancelRead()
		if err != nil {
			c.logger.Warn("Failed to read frame", slog.Any("error", err))
			readErr = err
			return
		}
		if c.onMessage != nil {
			c.onMessage(c.ctx, c.id, message)
		}
	}
}

func (c *Connection) readContext() (context.Context, context.CancelFunc) {
	if c.config.ReadTimeout <= 0 {
		return context.WithCancel(c.ctx)
	}
	return context.WithTimeout(c.ctx, c.config.ReadTimeout)
}

// writePump pumps messages from the send channel to the WebSocket connection.
func (c *Connection) writePump() {
	var writeErr error

	defer func() {
		c.Close(writeErr)
	}()

	for {
		select {
		case message := <-c.send:
			writeCtx, cancel := context.WithTimeout(c.ctx, c.config.WriteTimeout)
			err := c.conn.Write(writeCtx, websocket.MessageText, message)
			cancel()
			if err != nil {
				writeErr = fmt.Errorf("write: %w", err)
				return
			}
		case <-c.closed:
			return
		case <-c.ctx.Done():
			return
		}
	}
}

// Send queues a message without blocking. It is safe for concurrent use.
func (c *Connection) Send(message []byte) error {
	select {
	case <-c.closed:
		return ErrClosed
	default:
	}
	select {
	case c.send <- message:
		return nil
	case <-c.closed:
		return ErrClosed
	default:
		return ErrSendQueueFull
	}
}

// Close shuts the connection down once. err selects the close frame: a
// *CloseError is sent as is, anything else as a normal or internal close.
func (c *Connection) Close(err error) {
	c.closeOnce.Do(func() {
		status, reason := closeStatus(err)
		c.logger.Info("Transport connection closing", slog.Any("reason", err), slog.String("status", status.String()))

		close(c.closed)
		if c.onClose != nil {
			c.onClose(c.id, err)
		}
		if c.conn != nil {
			c.conn.Close(status, reason)
		}
		c.cancel()
		c.logger.Info("Connection closed")
		if c.started.Load() {
			c.wg.Done()
		}
		close(c.done)
	})
}

func closeStatus(err error) (websocket.StatusCode, string) {
	var ce *CloseError
	switch {
	case err == nil:
		return websocket.StatusNormalClosure, ""
	case errors.As(err, &ce):
		return ce.Status, ce.Reason
	case websocket.CloseStatus(err) != -1, errors.Is(err, io.EOF), errors.Is(err, context.Canceled):
		// the peer or the server context ended it
		return websocket.StatusNormalClosure, ""
	default:
		return websocket.StatusInternalError, "transport failure"
	}
}

// returns a channel that is closed when the connection is fully terminated.
func (c *Connection) Done() <-chan struct{} {
	return c.done
}

// ID returns the unique identifier of the connection.
func (c *Connection) ID() uuid.UUID {
	return c.id
}

func (c *Connection) SetOnMessageHandler(handler MessageHandler) {
	c.onMessage = handler
}
func (c *Connection) SetOnCloseHandler(handler OnCloseHandler) {
	c.onClose = handler
}
