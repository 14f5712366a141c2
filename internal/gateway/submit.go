package gateway

import (
	"context"
	"log/slog"
	"strings"
	"unicode/utf8"

	"github.com/MarvelSK/Isegoria/internal/apperr"
	"github.com/MarvelSK/Isegoria/internal/media"
	"github.com/MarvelSK/Isegoria/internal/messagelog"
	"github.com/MarvelSK/Isegoria/internal/protocol"
	"github.com/MarvelSK/Isegoria/pkg/pipeline"
	"github.com/google/uuid"
)

// Submission is a message proposed by an identified author, from either
// the stream or the control plane.
type Submission struct {
	Author    string
	Body      string
	Image     string // data URL
	ReplyToID string
}

type submission struct {
	Submission
	reply  *messagelog.ReplyRef
	stored messagelog.Message
}

func (g *Gateway) newSubmissionPipeline() *pipeline.Pipeline[submission] {
	return pipeline.New(g.logger,
		pipeline.Step[submission]{Name: "admit", Function: g.admit},
		pipeline.Step[submission]{Name: "validate", Function: g.validate},
		pipeline.Step[submission]{Name: "resolve_reply", Function: g.resolveReply},
		pipeline.Step[submission]{Name: "append", Function: g.appendMessage, Commit: true},
		pipeline.Step[submission]{Name: "record", Function: g.record},
	)
}

func (g *Gateway) admit(_ context.Context, s *submission) error {
	res := g.limiter.Admit(s.Author)
	if !res.Allowed {
		return &apperr.Error{
			Code:       apperr.CodeRateLimited,
			Message:    "rate limit exceeded",
			RetryAfter: res.RetryAfter,
		}
	}
	return nil
}

func (g *Gateway) validate(_ context.Context, s *submission) error {
	s.Body = strings.TrimSpace(s.Body)
	switch {
	case s.Body == "" && s.Image == "":
		return apperr.New(apperr.CodeValidation, "message must have content or an image")
	case s.Body != "" && s.Image != "":
		return apperr.New(apperr.CodeValidation, "message cannot have both content and an image")
	}
	if s.Body != "" {
		if !utf8.ValidString(s.Body) {
			return apperr.New(apperr.CodeValidation, "content must be valid UTF-8")
		}
		if utf8.RuneCountInString(s.Body) > g.config.MaxBodyRunes {
			return apperr.New(apperr.CodeValidation, "content is too long")
		}
	}
	if s.Image != "" {
		return media.ValidateDataURL(s.Image)
	}
	return nil
}

// resolveReply snapshots the referenced message. A reference that does not
// resolve is dropped and the message is stored as a plain one.
func (g *Gateway) resolveReply(_ context.Context, s *submission) error {
	if s.ReplyToID == "" {
		return nil
	}
	id, err := uuid.Parse(s.ReplyToID)
	if err != nil {
		g.logger.Debug("Dropping malformed reply reference", slog.String("replyToId", s.ReplyToID))
		return nil
	}
	target, err := g.messages.Get(id)
	if err != nil {
		g.logger.Debug("Dropping unknown reply reference", slog.String("replyToId", s.ReplyToID))
		return nil
	}
	ref := target.Ref()
	s.reply = &ref
	return nil
}

func (g *Gateway) appendMessage(_ context.Context, s *submission) error {
	msg, err := g.messages.Append(messagelog.Draft{
		Author:  s.Author,
		Body:    s.Body,
		Image:   s.Image,
		ReplyTo: s.reply,
	})
	if err != nil {
		return apperr.Wrap(apperr.CodeInternal, "failed to store message", err)
	}
	s.stored = msg
	return nil
}

func (g *Gateway) record(_ context.Context, s *submission) error {
	g.limiter.Record(s.Author)
	return nil
}

// Publish runs a submission through admission, validation and storage and
// then broadcasts it to every active connection, the author's included.
// Once the message is stored it is always recorded and broadcast, even if
// ctx is cancelled meanwhile.
//
// The broadcast runs outside any lock, so concurrent publishers may deliver
// new_message frames out of Seq order. Message ids are v7 uuids in Seq order,
// so clients can sort by id.
func (g *Gateway) Publish(ctx context.Context, sub Submission) (messagelog.Message, error) {
	cargo := &submission{Submission: sub}
	if err := g.submit.Run(ctx, cargo); err != nil {
		return messagelog.Message{}, err
	}
	g.broadcast(protocol.NewMessageOf(cargo.stored))
	return cargo.stored, nil
}

// Submit publishes on behalf of a stream connection, which must be joined.
func (g *Gateway) Submit(ctx context.Context, connID uuid.UUID, msg protocol.SendMessage) error {
	g.mu.Lock()
	current, username := Closed, ""
	if c, ok := g.clients[connID]; ok {
		current, username = c.state, c.username
	}
	g.mu.Unlock()

	_, effects := Transition(current, InputSubmit)
	switch {
	case hasEffect(effects, EffectRejectNotJoined):
		return apperr.ErrNotJoined
	case hasEffect(effects, EffectProcessSubmission):
		_, err := g.Publish(ctx, Submission{
			Author:    username,
			Body:      msg.Content,
			Image:     msg.Image,
			ReplyToID: msg.ReplyToID,
		})
		return err
	}
	return nil
}
