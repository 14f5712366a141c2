package session

import (
	"crypto/rand"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"
	"unicode"
	"unicode/utf8"

	"github.com/MarvelSK/Isegoria/internal/apperr"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	nanoid "github.com/jaevor/go-nanoid"
	"golang.org/x/crypto/bcrypt"
)

const MaxUsernameLength = 50

// User is a registered display name. Copies are handed out; the store owns the record.
type User struct {
	ID        uuid.UUID
	Username  string
	Online    bool
	LastSeen  time.Time
	CreatedAt time.Time
}

type Config struct {
	// TokenLength is the length of the random nonce carried in each token.
	TokenLength int
	HashCost    int
}

// Claims are carried by every session token. The subject is the username
// and the token id is a random nonce whose bcrypt hash the store keeps.
type Claims struct {
	UserID string `json:"uid"`
	jwt.RegisteredClaims
}

type record struct {
	user      User
	nonceHash []byte
}

// Store maps usernames to session tokens and presence. Tokens are HS256
// JWTs signed with a key generated in NewStore, so they die with the process.
type Store struct {
	mu       sync.RWMutex
	users    map[string]*record
	newNonce func() string
	secret   []byte
	cost     int
	now      func() time.Time
	logger   *slog.Logger
}

type Option func(*Store)

// WithClock replaces time.Now for last-seen stamps.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

func NewStore(logger *slog.Logger, cfg Config, opts ...Option) (*Store, error) {
	gen, err := nanoid.Standard(cfg.TokenLength)
	if err != nil {
		return nil, fmt.Errorf("session token generator: %w", err)
	}
	secret := make([]byte, 32)
	if _, err := rand.Read(secret); err != nil {
		return nil, fmt.Errorf("session signing key: %w", err)
	}
	s := &Store{
		users:    make(map[string]*record),
		newNonce: gen,
		secret:   secret,
		cost:     cfg.HashCost,
		now:      time.Now,
		logger:   logger.With(slog.String("component", "session_store")),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// ValidateUsername enforces 1..50 runes of printable, trimmed UTF-8.
func ValidateUsername(name string) error {
	if !utf8.ValidString(name) {
		return apperr.New(apperr.CodeValidation, "username must be valid UTF-8")
	}
	n := utf8.RuneCountInString(name)
	if n == 0 || strings.TrimSpace(name) == "" {
		return apperr.New(apperr.CodeValidation, "username is required")
	}
	if n > MaxUsernameLength {
		return apperr.New(apperr.CodeValidation, fmt.Sprintf("username must be at most %d characters", MaxUsernameLength))
	}
	if strings.TrimSpace(name) != name {
		return apperr.New(apperr.CodeValidation, "username must not start or end with whitespace")
	}
	for _, r := range name {
		if unicode.IsControl(r) {
			return apperr.New(apperr.CodeValidation, "username must not contain control characters")
		}
	}
	return nil
}

// Register creates a new offline user and returns its plaintext token.
// The token is never retrievable again.
func (s *Store) Register(username string) (User, string, error) {
	if err := ValidateUsername(username); err != nil {
		return User{}, "", err
	}
	if s.exists(username) {
		return User{}, "", apperr.ErrNameTaken
	}

	nonce := s.newNonce()
	hash, err := bcrypt.GenerateFromPassword([]byte(nonce), s.cost)
	if err != nil {
		return User{}, "", apperr.Wrap(apperr.CodeInternal, "could not issue session", err)
	}
	id, err := uuid.NewRandom()
	if err != nil {
		return User{}, "", apperr.Wrap(apperr.CodeInternal, "could not issue session", err)
	}
	now := s.now()
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, Claims{
		UserID: id.String(),
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:  username,
			ID:       nonce,
			IssuedAt: jwt.NewNumericDate(now),
		},
	}).SignedString(s.secret)
	if err != nil {
		return User{}, "", apperr.Wrap(apperr.CodeInternal, "could not issue session", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	// hashing ran unlocked, so re-check the name
	if _, taken := s.users[username]; taken {
		return User{}, "", apperr.ErrNameTaken
	}
	rec := &record{
		user: User{
			ID:        id,
			Username:  username,
			LastSeen:  now,
			CreatedAt: now,
		},
		nonceHash: hash,
	}
	s.users[username] = rec
	s.logger.Info("User registered", slog.String("username", username), slog.String("userID", id.String()))
	return rec.user, token, nil
}

func (s *Store) exists(username string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.users[username]
	return ok
}

// Validate checks that token was signed by this store and issued for
// username's current registration.
func (s *Store) Validate(token, username string) (User, error) {
	if token == "" {
		return User{}, apperr.ErrInvalidSession
	}
	var claims Claims
	_, err := jwt.ParseWithClaims(token, &claims, func(*jwt.Token) (any, error) {
		return s.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		s.logger.Debug("Session token rejected", slog.String("username", username), slog.Any("error", err))
		return User{}, apperr.ErrInvalidSession
	}
	if claims.Subject != username {
		s.logger.Debug("Session token issued for another user", slog.String("username", username))
		return User{}, apperr.ErrInvalidSession
	}

	s.mu.RLock()
	rec, ok := s.users[username]
	var hash []byte
	var userID string
	if ok {
		hash, userID = rec.nonceHash, rec.user.ID.String()
	}
	s.mu.RUnlock()

	if !ok || claims.UserID != userID {
		return User{}, apperr.ErrInvalidSession
	}
	if err := bcrypt.CompareHashAndPassword(hash, []byte(claims.ID)); err != nil {
		s.logger.Debug("Session token mismatch", slog.String("username", username))
		return User{}, apperr.ErrInvalidSession
	}

	u, _ := s.Get(username)
	return u, nil
}

// SetOnline flips the presence flag and stamps last seen. Unknown names are ignored.
func (s *Store) SetOnline(username string, online bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.users[username]
	if !ok {
		s.logger.Warn("Presence update for unknown user", slog.String("username", username))
		return
	}
	rec.user.Online = online
	rec.user.LastSeen = s.now()
}

func (s *Store) ActiveCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, rec := range s.users {
		if rec.user.Online {
			n++
		}
	}
	return n
}

func (s *Store) Get(username string) (User, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.users[username]
	if !ok {
		return User{}, false
	}
	return rec.user, true
}
