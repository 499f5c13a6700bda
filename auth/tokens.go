package auth

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/MicahParks/keyfunc"
	"github.com/golang-jwt/jwt/v4"
	"github.com/google/uuid"

	"taskboard/domain"
)

const defaultJWKSCacheTTL = 15 * time.Minute

// TokenOptions configure Tokens. Secret is required; JWKS enables RS256
// tokens from an external identity provider.
type TokenOptions struct {
	Secret      []byte
	TTL         time.Duration
	JWKS        *keyfunc.JWKS
	Audience    string
	Issuer      string
	KeyCacheTTL time.Duration
}

// Tokens issues HS256 session tokens and validates them, plus RS256 tokens
// signed by the configured JWKS.
type Tokens struct {
	secret   []byte
	ttl      time.Duration
	jwks     *keyfunc.JWKS
	audience string
	issuer   string

	parser      *jwt.Parser
	keyCache    sync.Map
	keyCacheTTL time.Duration
	now         func() time.Time
}

type cachedKey struct {
	key       any
	expiresAt time.Time
}

func NewTokens(o TokenOptions) (*Tokens, error) {
	if len(o.Secret) == 0 {
		return nil, errors.New("token secret is required")
	}
	methods := []string{"HS256"}
	if o.JWKS != nil {
		methods = append(methods, "RS256")
	}
	ttl := o.KeyCacheTTL
	if ttl == 0 {
		ttl = defaultJWKSCacheTTL
	}
	return &Tokens{
		secret:      o.Secret,
		ttl:         o.TTL,
		jwks:        o.JWKS,
		audience:    o.Audience,
		issuer:      o.Issuer,
		parser:      jwt.NewParser(jwt.WithValidMethods(methods)),
		keyCacheTTL: ttl,
		now:         time.Now,
	}, nil
}

// Issue signs a token for u carrying sub, email, iat, jti and, when a TTL is
// configured, exp.
func (t *Tokens) Issue(u domain.User) (string, error) {
	now := t.now()
	claims := jwt.MapClaims{
		"sub":   u.ID,
		"email": u.Email,
		"iat":   now.Unix(),
		"jti":   uuid.NewString(),
	}
	if t.ttl > 0 {
		claims["exp"] = now.Add(t.ttl).Unix()
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(t.secret)
}

// Parse validates the signature and claims and returns the embedded identity.
func (t *Tokens) Parse(_ context.Context, raw string) (domain.Principal, error) {
	token, err := t.parser.Parse(raw, t.keyFor)
	if err != nil {
		return domain.Principal{}, err
	}
	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return domain.Principal{}, errors.New("invalid claims")
	}

	now := t.now().Unix()
	external := token.Method.Alg() == jwt.SigningMethodRS256.Alg()
	if !claims.VerifyExpiresAt(now, external) {
		return domain.Principal{}, errors.New("token expired")
	}
	if !claims.VerifyNotBefore(now, false) {
		return domain.Principal{}, errors.New("token not valid yet")
	}
	if external {
		if t.audience != "" && !claims.VerifyAudience(t.audience, true) {
			return domain.Principal{}, errors.New("invalid audience")
		}
		if t.issuer != "" && !claims.VerifyIssuer(t.issuer, true) {
			return domain.Principal{}, errors.New("invalid issuer")
		}
	}

	sub, ok := claims["sub"].(string)
	if !ok || sub == "" {
		return domain.Principal{}, errors.New("missing sub")
	}
	p := domain.Principal{UserID: sub}
	p.Email, _ = claims["email"].(string)
	p.TokenID, _ = claims["jti"].(string)
	if exp, ok := claims["exp"].(float64); ok {
		p.ExpiresAt = time.Unix(int64(exp), 0).UTC()
	}
	return p, nil
}

func (t *Tokens) keyFor(token *jwt.Token) (any, error) {
	switch token.Method.(type) {
	case *jwt.SigningMethodHMAC:
		return t.secret, nil
	case *jwt.SigningMethodRSA:
		return t.keyForToken(token)
	}
	return nil, errors.New("invalid signing method")
}

func (t *Tokens) keyForToken(token *jwt.Token) (any, error) {
	if t.jwks == nil {
		return nil, errors.New("jwks not configured")
	}

	kid, _ := token.Header["kid"].(string)
	if kid != "" {
		if cached, ok := t.keyCache.Load(kid); ok {
			entry := cached.(cachedKey)
			if t.now().Before(entry.expiresAt) {
				return entry.key, nil
			}
			t.keyCache.Delete(kid)
		}
	}

	key, err := t.jwks.Keyfunc(token)
	if err != nil {
		return nil, err
	}
	if kid != "" {
		t.keyCache.Store(kid, cachedKey{key: key, expiresAt: t.now().Add(t.keyCacheTTL)})
	}
	return key, nil
}
