package gateway

import (
	"context"

	"github.com/MarvelSK/Isegoria/internal/protocol"
	"github.com/MarvelSK/Isegoria/internal/router"
	"github.com/google/uuid"
	"github.com/tidwall/gjson"
)

// RegisterHandlers binds the stream frame types to the gateway.
func (g *Gateway) RegisterHandlers(r *router.EventRouter) {
	r.Register(protocol.TypeJoin, g.handleJoin)
	r.Register(protocol.TypeSendMessage, g.handleSendMessage)
	r.Register(protocol.TypeHeartbeat, g.handleHeartbeat)
	r.Register(protocol.TypeHeartbeatAck, g.handleHeartbeatAck)
	r.SetErrorReporter(g.ReportError)
}

func (g *Gateway) handleJoin(ctx context.Context, connID uuid.UUID, frame gjson.Result) error {
	var join protocol.Join
	var err error
	if join.Username, err = router.String(frame, "username"); err != nil {
		return err
	}
	if join.Token, err = router.String(frame, "token"); err != nil {
		return err
	}
	return g.Join(ctx, connID, join.Username, join.Token)
}

func (g *Gateway) handleSendMessage(ctx context.Context, connID uuid.UUID, frame gjson.Result) error {
	var msg protocol.SendMessage
	var err error
	if msg.Content, err = router.String(frame, "content"); err != nil {
		return err
	}
	if msg.Image, err = router.String(frame, "image"); err != nil {
		return err
	}
	if msg.ReplyToID, err = router.String(frame, "replyToId"); err != nil {
		return err
	}
	return g.Submit(ctx, connID, msg)
}

func (g *Gateway) handleHeartbeat(_ context.Context, connID uuid.UUID, _ gjson.Result) error {
	g.HeartbeatProbe(connID)
	return nil
}

func (g *Gateway) handleHeartbeatAck(_ context.Context, connID uuid.UUID, _ gjson.Result) error {
	g.HeartbeatAck(connID)
	return nil
}
