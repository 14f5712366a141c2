// Package protocol defines the JSON envelopes exchanged on the stream and
// the views the control plane returns. Every envelope carries a "type".
package protocol

import (
	"encoding/json"
	"time"

	"github.com/MarvelSK/Isegoria/internal/apperr"
	"github.com/MarvelSK/Isegoria/internal/messagelog"
	"github.com/MarvelSK/Isegoria/pkg/transport"
	"github.com/coder/websocket"
)

type Type string

const (
	// client -> server
	TypeJoin        Type = "join"
	TypeSendMessage Type = "send_message"

	// either direction
	TypeHeartbeat    Type = "heartbeat"
	TypeHeartbeatAck Type = "heartbeat_ack"

	// server -> client
	TypeUserJoined Type = "user_joined"
	TypeUserLeft   Type = "user_left"
	TypeNewMessage Type = "new_message"
	TypeHistory    Type = "history"
	TypeError      Type = "error"
)

// Close reasons. Application codes live in the 4000-4999 private range.
var (
	CloseInvalidSession   = &transport.CloseError{Status: websocket.StatusPolicyViolation, Reason: string(apperr.CodeInvalidSession)}
	CloseReplaced         = &transport.CloseError{Status: 4000, Reason: "replaced"}
	CloseHeartbeatTimeout = &transport.CloseError{Status: 4001, Reason: "heartbeat_timeout"}
	CloseSlowConsumer     = &transport.CloseError{Status: 4002, Reason: "slow_consumer"}
	CloseShutdown         = &transport.CloseError{Status: websocket.StatusGoingAway, Reason: "server_shutdown"}
	CloseInternal         = &transport.CloseError{Status: websocket.StatusInternalError, Reason: "internal_error"}
)

type ReplyView struct {
	ID       string `json:"id"`
	Username string `json:"username"`
	Content  string `json:"content"`
}

type MessageView struct {
	ID        string     `json:"id"`
	Username  string     `json:"username"`
	Content   string     `json:"content,omitempty"`
	Image     string     `json:"image,omitempty"`
	Timestamp time.Time  `json:"timestamp"`
	IsOwn     bool       `json:"isOwn,omitempty"`
	ReplyTo   *ReplyView `json:"replyTo,omitempty"`
}

// View renders m for viewer; an empty viewer never sets IsOwn.
func View(m messagelog.Message, viewer string) MessageView {
	v := MessageView{
		ID:        m.ID.String(),
		Username:  m.Author,
		Content:   m.Body,
		Image:     m.Image,
		Timestamp: m.CreatedAt,
		IsOwn:     viewer != "" && viewer == m.Author,
	}
	if m.ReplyTo != nil {
		v.ReplyTo = &ReplyView{
			ID:       m.ReplyTo.ID.String(),
			Username: m.ReplyTo.Author,
			Content:  m.ReplyTo.Excerpt,
		}
	}
	return v
}

func Views(msgs []messagelog.Message, viewer string) []MessageView {
	out := make([]MessageView, len(msgs))
	for i, m := range msgs {
		out[i] = View(m, viewer)
	}
	return out
}

type Presence struct {
	Type        Type   `json:"type"`
	Username    string `json:"username"`
	ActiveUsers int    `json:"activeUsers"`
}

type NewMessage struct {
	Type    Type        `json:"type"`
	Message MessageView `json:"message"`
}

type History struct {
	Type     Type          `json:"type"`
	Messages []MessageView `json:"messages"`
}

type Signal struct {
	Type Type `json:"type"`
}

type Error struct {
	Type         Type        `json:"type"`
	Code         apperr.Code `json:"code"`
	Message      string      `json:"message"`
	RetryAfterMs int64       `json:"retryAfterMs,omitempty"`
}

func UserJoined(username string, active int) Presence {
	return Presence{Type: TypeUserJoined, Username: username, ActiveUsers: active}
}

func UserLeft(username string, active int) Presence {
	return Presence{Type: TypeUserLeft, Username: username, ActiveUsers: active}
}

func NewMessageOf(m messagelog.Message) NewMessage {
	return NewMessage{Type: TypeNewMessage, Message: View(m, "")}
}

func HistoryOf(msgs []messagelog.Message, viewer string) History {
	return History{Type: TypeHistory, Messages: Views(msgs, viewer)}
}

func Heartbeat() Signal    { return Signal{Type: TypeHeartbeat} }
func HeartbeatAck() Signal { return Signal{Type: TypeHeartbeatAck} }

func ErrorOf(err error) Error {
	return Error{
		Type:         TypeError,
		Code:         apperr.CodeOf(err),
		Message:      apperr.MessageOf(err),
		RetryAfterMs: apperr.RetryAfterOf(err).Milliseconds(),
	}
}

func Encode(v any) ([]byte, error) {
	return json.Marshal(v)
}

// Inbound frames, decoded by the router after it peeks at "type".

type Join struct {
	Username string `json:"username"`
	Token    string `json:"token"`
}

type SendMessage struct {
	Content   string `json:"content,omitempty"`
	Image     string `json:"image,omitempty"`
	ReplyToID string `json:"replyToId,omitempty"`
}
