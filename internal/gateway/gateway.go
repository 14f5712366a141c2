package gateway

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/MarvelSK/Isegoria/internal/apperr"
	"github.com/MarvelSK/Isegoria/internal/heartbeat"
	"github.com/MarvelSK/Isegoria/internal/messagelog"
	"github.com/MarvelSK/Isegoria/internal/protocol"
	"github.com/MarvelSK/Isegoria/internal/ratelimit"
	"github.com/MarvelSK/Isegoria/internal/session"
	"github.com/MarvelSK/Isegoria/pkg/pipeline"
	"github.com/MarvelSK/Isegoria/pkg/state"
	"github.com/MarvelSK/Isegoria/pkg/transport"
	"github.com/google/uuid"
)

type Config struct {
	HistorySize  int
	MaxBodyRunes int
	Heartbeat    heartbeat.Config
}

// SessionStore is the part of session.Store the gateway needs.
type SessionStore interface {
	Validate(token, username string) (session.User, error)
	SetOnline(username string, online bool)
	ActiveCount() int
}

type Deps struct {
	Sessions SessionStore
	Limiter  *ratelimit.Limiter
	Messages *messagelog.Log
	Registry state.Manager
}

type client struct {
	peer     state.Peer
	ip       string
	state    State
	username string
	joinedAt time.Time
	monitor  *heartbeat.Monitor
	logger   *slog.Logger
}

// Gateway owns every connection's lifecycle and the broadcast domain.
type Gateway struct {
	logger   *slog.Logger
	config   Config
	sessions SessionStore
	limiter  *ratelimit.Limiter
	messages *messagelog.Log
	registry state.Manager
	submit   *pipeline.Pipeline[submission]

	// mu serializes joins, evictions and closes so presence counts stay exact.
	mu      sync.Mutex
	clients map[uuid.UUID]*client

	closers sync.WaitGroup
}

func New(logger *slog.Logger, config Config, deps Deps) *Gateway {
	g := &Gateway{
		logger:   logger.With(slog.String("component", "gateway")),
		config:   config,
		sessions: deps.Sessions,
		limiter:  deps.Limiter,
		messages: deps.Messages,
		registry: deps.Registry,
		clients:  make(map[uuid.UUID]*client),
	}
	g.submit = g.newSubmissionPipeline()
	return g
}

// Attach tracks a freshly opened transport in the Pending state.
func (g *Gateway) Attach(peer state.Peer, ip string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.clients[peer.ID()] = &client{
		peer:   peer,
		ip:     ip,
		state:  Pending,
		logger: g.logger.With(slog.String("connID", peer.ID().String())),
	}
}

// Join binds connID to username if token validates. A denied join closes
// the transport with the invalid_session reason.
func (g *Gateway) Join(ctx context.Context, connID uuid.UUID, username, token string) error {
	g.mu.Lock()
	c, ok := g.clients[connID]
	var current State = Closed
	if ok {
		current = c.state
	}
	g.mu.Unlock()

	if current != Pending {
		if _, effects := Transition(current, InputJoinAccepted); hasEffect(effects, EffectRejectAlreadyJoined) {
			return apperr.ErrAlreadyJoined
		}
		return nil
	}

	// bcrypt runs outside the lifecycle lock
	input := InputJoinAccepted
	if _, err := g.sessions.Validate(token, username); err != nil {
		input = InputJoinDenied
		c.logger.Info("Join rejected", slog.String("username", username), slog.Any("error", err))
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return err
	}
	next, effects := Transition(c.state, input)
	c.state = next
	if input == InputJoinAccepted && next == Active {
		c.username = username
		c.joinedAt = time.Now()
		c.logger = c.logger.With(slog.String("username", username))
	}
	g.apply(c, effects)
	if c.state == Active {
		c.logger.Info("Connection joined")
	}
	return nil
}

// Disconnect is the transport close hook. It is safe to call repeatedly.
func (g *Gateway) Disconnect(connID uuid.UUID, err error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	c, ok := g.clients[connID]
	if !ok {
		return
	}
	delete(g.clients, connID)

	from := c.state
	next, effects := Transition(c.state, InputTransportClosed)
	c.state = next
	g.apply(c, effects)
	if from == Active {
		c.logger.Info("Connection left", slog.Any("reason", err))
	}
}

// expire runs when a heartbeat monitor gives up on a connection.
func (g *Gateway) expire(connID uuid.UUID, err error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	c, ok := g.clients[connID]
	if !ok || c.state != Active {
		return
	}
	c.logger.Warn("Heartbeat timeout", slog.Any("error", err))
	next, effects := Transition(c.state, InputHeartbeatTimeout)
	c.state = next
	g.apply(c, effects)
}

// apply performs effects for c. Caller holds g.mu. A join that cannot be
// registered is abandoned: the connection closes and nothing is announced.
func (g *Gateway) apply(c *client, effects []Effect) {
	removed := false
	for _, e := range effects {
		switch e {
		case EffectRegister:
			evicted, err := g.registry.Register(&state.Connection{
				ID:        c.peer.ID(),
				Username:  c.username,
				IPAddress: c.ip,
				Peer:      c.peer,
				CreatedAt: c.joinedAt,
			})
			if err != nil {
				c.logger.Error("Failed to register connection", slog.Any("error", err))
				c.state = Closed
				g.closePeer(c.peer, protocol.CloseInternal)
				return
			}
			if evicted != nil {
				g.evict(evicted)
			}
		case EffectMarkOnline:
			g.sessions.SetOnline(c.username, true)
		case EffectBroadcastJoined:
			g.broadcast(protocol.UserJoined(c.username, g.sessions.ActiveCount()))
		case EffectSendHistory:
			g.sendTo(c.peer, protocol.HistoryOf(g.messages.Recent(g.config.HistorySize), c.username))
		case EffectStartHeartbeat:
			c.monitor = g.startHeartbeat(c.peer)
		case EffectStopHeartbeat:
			if c.monitor != nil {
				c.monitor.Stop()
			}
		case EffectDeregister:
			removed = g.registry.Deregister(c.peer.ID())
		case EffectMarkOffline:
			if removed {
				g.sessions.SetOnline(c.username, false)
			}
		case EffectBroadcastLeft:
			if removed {
				g.broadcast(protocol.UserLeft(c.username, g.sessions.ActiveCount()))
			}
		case EffectCloseInvalidSession:
			g.closePeer(c.peer, protocol.CloseInvalidSession)
		case EffectCloseReplaced:
			g.closePeer(c.peer, protocol.CloseReplaced)
		case EffectCloseHeartbeatTimeout:
			g.closePeer(c.peer, protocol.CloseHeartbeatTimeout)
		}
	}
}

// evict closes a connection whose username slot was taken over. Caller holds g.mu.
func (g *Gateway) evict(old *state.Connection) {
	c, ok := g.clients[old.ID]
	if !ok {
		g.closePeer(old.Peer, protocol.CloseReplaced)
		return
	}
	c.logger.Info("Connection replaced by a newer join")
	next, effects := Transition(c.state, InputEvicted)
	c.state = next
	g.apply(c, effects)
}

func (g *Gateway) startHeartbeat(peer state.Peer) *heartbeat.Monitor {
	id := peer.ID()
	m := heartbeat.New(g.config.Heartbeat,
		func() error {
			err := g.sendFrame(peer, protocol.Heartbeat())
			switch {
			case errors.Is(err, transport.ErrSendQueueFull):
				// a full queue is a slow consumer, not a silent one
				g.dropSlow(peer, err)
				return nil
			case errors.Is(err, transport.ErrClosed):
				// Disconnect is already on its way
				return nil
			}
			return err
		},
		func(err error) { g.expire(id, err) },
	)
	m.Start()
	return m
}

// HeartbeatProbe answers a client-initiated probe in any state.
func (g *Gateway) HeartbeatProbe(connID uuid.UUID) {
	if peer, ok := g.peer(connID); ok {
		g.sendTo(peer, protocol.HeartbeatAck())
	}
}

// HeartbeatAck records the client's answer to our probe.
func (g *Gateway) HeartbeatAck(connID uuid.UUID) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if c, ok := g.clients[connID]; ok && c.state == Active && c.monitor != nil {
		c.monitor.Ack()
	}
}

// ReportError sends err to one connection as an error envelope.
func (g *Gateway) ReportError(connID uuid.UUID, err error) {
	if peer, ok := g.peer(connID); ok {
		g.sendTo(peer, protocol.ErrorOf(err))
	}
}

func (g *Gateway) peer(connID uuid.UUID) (state.Peer, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	c, ok := g.clients[connID]
	if !ok || c.state == Closed {
		return nil, false
	}
	return c.peer, true
}

// broadcast fans v out to a snapshot of the registry. A peer that can't
// take the frame is disconnected; the rest still receive it.
func (g *Gateway) broadcast(v any) {
	frame, err := protocol.Encode(v)
	if err != nil {
		g.logger.Error("Failed to encode broadcast", slog.Any("error", err))
		return
	}
	conns := g.registry.Snapshot()
	for _, conn := range conns {
		if err := conn.Peer.Send(frame); err != nil {
			g.dropSlow(conn.Peer, err)
		}
	}
	g.logger.Debug("Broadcast sent", slog.Int("connection_count", len(conns)))
}

func (g *Gateway) sendTo(peer state.Peer, v any) {
	if err := g.sendFrame(peer, v); err != nil {
		g.dropSlow(peer, err)
	}
}

func (g *Gateway) sendFrame(peer state.Peer, v any) error {
	frame, err := protocol.Encode(v)
	if err != nil {
		return apperr.Wrap(apperr.CodeInternal, "encode frame", err)
	}
	return peer.Send(frame)
}

func (g *Gateway) dropSlow(peer state.Peer, err error) {
	if errors.Is(err, transport.ErrClosed) {
		return
	}
	g.logger.Warn("Dropping connection that cannot keep up",
		slog.String("connID", peer.ID().String()),
		slog.Any("error", apperr.Wrap(apperr.CodeTransportFailure, "send failed", err)),
	)
	g.closePeer(peer, protocol.CloseSlowConsumer)
}

// closePeer closes off the caller's goroutine: a transport close runs the
// Disconnect hook, which needs g.mu.
func (g *Gateway) closePeer(peer state.Peer, reason error) {
	g.closers.Add(1)
	go func() {
		defer g.closers.Done()
		peer.Close(reason)
	}()
}

// CloseAll closes every tracked transport with reason and waits for the closes to finish.
func (g *Gateway) CloseAll(reason error) {
	g.mu.Lock()
	peers := make([]state.Peer, 0, len(g.clients))
	for _, c := range g.clients {
		peers = append(peers, c.peer)
	}
	g.mu.Unlock()

	for _, p := range peers {
		g.closePeer(p, reason)
	}
	g.Drain()
}

// Drain waits for transport closes started by the gateway.
func (g *Gateway) Drain() {
	g.closers.Wait()
}

func (g *Gateway) StateOf(connID uuid.UUID) State {
	g.mu.Lock()
	defer g.mu.Unlock()
	if c, ok := g.clients[connID]; ok {
		return c.state
	}
	return Closed
}

// ConnectionsFrom counts tracked transports, joined or not, opened from ip.
func (g *Gateway) ConnectionsFrom(ip string) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	n := 0
	for _, c := range g.clients {
		if c.ip == ip {
			n++
		}
	}
	return n
}

func (g *Gateway) ActiveConnections() int {
	return g.registry.Count()
}

func (g *Gateway) ActiveUsers() int {
	return g.sessions.ActiveCount()
}

func hasEffect(effects []Effect, want Effect) bool {
	for _, e := range effects {
		if e == want {
			return true
		}
	}
	return false
}
