package domain

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
)

// CredentialStore persists user records. InsertUser returns ErrDuplicate
// when the email is taken; FindUserByEmail returns nil, nil when absent.
type CredentialStore interface {
	InsertUser(ctx context.Context, u User) error
	FindUserByEmail(ctx context.Context, email string) (*User, error)
}

// PasswordHasher is a one-way salted hash.
type PasswordHasher interface {
	Hash(secret string) (string, error)
	Compare(encoded, secret string) (bool, error)
}

// TokenCodec signs and parses session tokens.
type TokenCodec interface {
	Issue(u User) (string, error)
	Parse(ctx context.Context, token string) (Principal, error)
}

// Denylist records revoked token ids until they would have expired anyway.
type Denylist interface {
	Revoke(ctx context.Context, tokenID string, ttl time.Duration) error
	Revoked(ctx context.Context, tokenID string) (bool, error)
}

// ErrBadCredentials is the single error login returns for an unknown email
// and for a wrong password alike.
var ErrBadCredentials = Unauthorized("Invalid email or password", nil)

// UserService registers users, checks credentials and verifies tokens.
type UserService struct {
	st       CredentialStore
	hasher   PasswordHasher
	tokens   TokenCodec
	deny     Denylist
	denyTTL  time.Duration
	log      *log.Logger
	now      func() time.Time
	dummy    string
	dummyErr error
	once     sync.Once
}

// UserServiceOption customizes a UserService.
type UserServiceOption func(*UserService)

// WithDenylist enables logout. ttl bounds how long ids of non-expiring
// tokens stay denied.
func WithDenylist(d Denylist, ttl time.Duration) UserServiceOption {
	return func(s *UserService) {
		s.deny = d
		s.denyTTL = ttl
	}
}

// WithUserLogger sets the logger.
func WithUserLogger(l *log.Logger) UserServiceOption {
	return func(s *UserService) { s.log = l }
}

func NewUserService(st CredentialStore, hasher PasswordHasher, tokens TokenCodec, opts ...UserServiceOption) *UserService {
	s := &UserService{
		st:      st,
		hasher:  hasher,
		tokens:  tokens,
		log:     log.StandardLogger(),
		now:     func() time.Time { return time.Now().UTC() },
		denyTTL: 24 * time.Hour,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// Register creates a user. Nothing sensitive is returned.
func (s *UserService) Register(ctx context.Context, email, name, password string) error {
	email = normalizeEmail(email)
	name = strings.TrimSpace(name)
	if email == "" || name == "" || password == "" {
		return InvalidInput("All fields are required")
	}
	existing, err := s.st.FindUserByEmail(ctx, email)
	if err != nil {
		s.log.WithError(err).Error("find user failed")
		return Internal(err)
	}
	if existing != nil {
		return Conflict("User already exists")
	}
	hash, err := s.hasher.Hash(password)
	if err != nil {
		s.log.WithError(err).Error("hash password failed")
		return Internal(err)
	}
	u := User{ID: uuid.NewString(), Email: email, Name: name, PasswordHash: hash, CreatedAt: s.now()}
	if err := s.st.InsertUser(ctx, u); err != nil {
		if errors.Is(err, ErrDuplicate) {
			return Conflict("User already exists")
		}
		s.log.WithError(err).Error("insert user failed")
		return Internal(err)
	}
	s.log.WithField("user", u.ID).Info("user registered")
	return nil
}

// dummyHash is compared against for unknown emails so both failure paths
// cost one hash comparison.
func (s *UserService) dummyHash() (string, error) {
	s.once.Do(func() {
		s.dummy, s.dummyErr = s.hasher.Hash(uuid.NewString())
	})
	return s.dummy, s.dummyErr
}

// Login checks the credentials and issues a session token.
func (s *UserService) Login(ctx context.Context, email, password string) (string, error) {
	email = normalizeEmail(email)
	if email == "" || password == "" {
		return "", ErrBadCredentials
	}
	u, err := s.st.FindUserByEmail(ctx, email)
	if err != nil {
		s.log.WithError(err).Error("find user failed")
		return "", Internal(err)
	}
	encoded := ""
	if u != nil {
		encoded = u.PasswordHash
	} else if encoded, err = s.dummyHash(); err != nil {
		s.log.WithError(err).Error("hash password failed")
		return "", Internal(err)
	}
	ok, err := s.hasher.Compare(encoded, password)
	if err != nil {
		s.log.WithError(err).Error("compare password failed")
		return "", Internal(err)
	}
	if u == nil || !ok {
		return "", ErrBadCredentials
	}
	token, err := s.tokens.Issue(*u)
	if err != nil {
		s.log.WithError(err).Error("issue token failed")
		return "", Internal(err)
	}
	return token, nil
}

// Verify returns the identity embedded in a valid, unrevoked token.
func (s *UserService) Verify(ctx context.Context, token string) (Principal, error) {
	if token == "" {
		return Principal{}, Unauthorized("unauthorized", nil)
	}
	p, err := s.tokens.Parse(ctx, token)
	if err != nil {
		return Principal{}, Unauthorized("unauthorized", err)
	}
	if s.deny != nil && p.TokenID != "" {
		revoked, err := s.deny.Revoked(ctx, p.TokenID)
		if err != nil {
			s.log.WithError(err).Error("denylist lookup failed")
			return Principal{}, Internal(err)
		}
		if revoked {
			return Principal{}, Unauthorized("unauthorized", nil)
		}
	}
	return p, nil
}

// Logout revokes the token until its expiry.
func (s *UserService) Logout(ctx context.Context, token string) error {
	p, err := s.Verify(ctx, token)
	if err != nil {
		return err
	}
	if s.deny == nil {
		return nil
	}
	if p.TokenID == "" {
		return Unauthorized("unauthorized", nil)
	}
	ttl := s.denyTTL
	if p.Expiring() {
		ttl = p.ExpiresAt.Sub(s.now())
		if ttl <= 0 {
			return nil
		}
	}
	if err := s.deny.Revoke(ctx, p.TokenID, ttl); err != nil {
		s.log.WithError(err).Error("revoke token failed")
		return Internal(err)
	}
	return nil
}
