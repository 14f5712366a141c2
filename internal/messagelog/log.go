package messagelog

import (
	"fmt"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/MarvelSK/Isegoria/internal/apperr"
	"github.com/google/uuid"
)

const excerptRunes = 100

// ReplyRef is a by-value snapshot of the message being replied to.
type ReplyRef struct {
	ID      uuid.UUID
	Author  string
	Excerpt string
}

// Message is immutable once appended. Exactly one of Body and Image is set.
type Message struct {
	ID        uuid.UUID
	Seq       uint64
	Author    string
	Body      string
	Image     string // data URL
	ReplyTo   *ReplyRef
	CreatedAt time.Time
}

// Ref snapshots m for use as a reply reference.
func (m Message) Ref() ReplyRef {
	excerpt := "[image]"
	if m.Body != "" {
		excerpt = truncate(m.Body, excerptRunes)
	}
	return ReplyRef{ID: m.ID, Author: m.Author, Excerpt: excerpt}
}

func truncate(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	i := 0
	for pos := range s {
		if i == n {
			return s[:pos] + "…"
		}
		i++
	}
	return s
}

// Draft is what a caller supplies; the log fills in identity and time.
type Draft struct {
	Author  string
	Body    string
	Image   string
	ReplyTo *ReplyRef
}

// Log is an append-only, creation-ordered message store.
type Log struct {
	mu       sync.RWMutex
	messages []Message
	index    map[uuid.UUID]int
	now      func() time.Time
}

type Option func(*Log)

func WithClock(now func() time.Time) Option {
	return func(l *Log) { l.now = now }
}

func New(opts ...Option) *Log {
	l := &Log{
		index: make(map[uuid.UUID]int),
		now:   time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Append stores d and returns the stored message.
func (l *Log) Append(d Draft) (Message, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	// v7 ids are time ordered; generating under the lock keeps them in Seq order too
	id, err := uuid.NewV7()
	if err != nil {
		return Message{}, fmt.Errorf("message id: %w", err)
	}
	var reply *ReplyRef
	if d.ReplyTo != nil {
		r := *d.ReplyTo
		reply = &r
	}
	msg := Message{
		ID:        id,
		Seq:       uint64(len(l.messages)) + 1,
		Author:    d.Author,
		Body:      d.Body,
		Image:     d.Image,
		ReplyTo:   reply,
		CreatedAt: l.now(),
	}
	l.index[id] = len(l.messages)
	l.messages = append(l.messages, msg)
	return msg, nil
}

// List returns up to limit messages starting at offset, oldest first.
func (l *Log) List(limit, offset int) []Message {
	l.mu.RLock()
	defer l.mu.RUnlock()

	if limit <= 0 || offset < 0 || offset >= len(l.messages) {
		return []Message{}
	}
	end := min(offset+limit, len(l.messages))
	out := make([]Message, end-offset)
	copy(out, l.messages[offset:end])
	return out
}

// Recent returns the last n messages, oldest first.
func (l *Log) Recent(n int) []Message {
	l.mu.RLock()
	defer l.mu.RUnlock()

	if n <= 0 {
		return []Message{}
	}
	start := max(len(l.messages)-n, 0)
	out := make([]Message, len(l.messages)-start)
	copy(out, l.messages[start:])
	return out
}

func (l *Log) Get(id uuid.UUID) (Message, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	i, ok := l.index[id]
	if !ok {
		return Message{}, apperr.New(apperr.CodeNotFound, "message not found")
	}
	return l.messages[i], nil
}

func (l *Log) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.messages)
}
