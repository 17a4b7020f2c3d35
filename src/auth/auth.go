// Package auth resolves the identity behind a call's access token.
package auth

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	ErrMissingBearer = errors.New("missing bearer token")
	ErrInvalidToken  = errors.New("invalid token")
)

// Session is an authenticated user session.
type Session struct {
	UserID    string
	Email     string
	ExpiresAt time.Time
}

// Provider is the authentication collaborator. CurrentSession returns
// (nil, nil) when there is simply no session.
type Provider interface {
	CurrentSession(ctx context.Context, token string) (*Session, error)
	SignOut(ctx context.Context, token string) error
}

// Anonymous never has a session.
type Anonymous struct{}

func (Anonymous) CurrentSession(context.Context, string) (*Session, error) { return nil, nil }
func (Anonymous) SignOut(context.Context, string) error                     { return nil }

// JWTConfig configures HS256 access-token verification.
type JWTConfig struct {
	Secret   string
	Issuer   string
	Audience string
}

// JWTProvider verifies HS256 access tokens such as those minted by Supabase
// Auth. Signed-out tokens are remembered until they expire.
type JWTProvider struct {
	secret []byte
	parser *jwt.Parser
	now    func() time.Time

	mu      sync.Mutex
	revoked map[string]time.Time
}

type accessClaims struct {
	Email string `json:"email,omitempty"`
	jwt.RegisteredClaims
}

func NewJWTProvider(cfg JWTConfig) *JWTProvider {
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{"HS256"}),
		jwt.WithExpirationRequired(),
	}
	if cfg.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(cfg.Issuer))
	}
	if cfg.Audience != "" {
		opts = append(opts, jwt.WithAudience(cfg.Audience))
	}
	return &JWTProvider{
		secret:  []byte(cfg.Secret),
		parser:  jwt.NewParser(opts...),
		now:     time.Now,
		revoked: make(map[string]time.Time),
	}
}

func (p *JWTProvider) CurrentSession(_ context.Context, token string) (*Session, error) {
	token = strings.TrimSpace(strings.TrimPrefix(token, "Bearer "))
	if token == "" {
		return nil, nil
	}

	claims, err := p.parse(token)
	if err != nil {
		return nil, err
	}
	if p.isRevoked(token) {
		return nil, ErrInvalidToken
	}

	sess := &Session{UserID: claims.Subject, Email: claims.Email}
	if claims.ExpiresAt != nil {
		sess.ExpiresAt = claims.ExpiresAt.Time
	}
	return sess, nil
}

// SignOut revokes token for the rest of its lifetime.
func (p *JWTProvider) SignOut(_ context.Context, token string) error {
	token = strings.TrimSpace(strings.TrimPrefix(token, "Bearer "))
	claims, err := p.parse(token)
	if err != nil {
		return err
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	p.pruneLocked()
	p.revoked[token] = claims.ExpiresAt.Time
	return nil
}

func (p *JWTProvider) parse(token string) (*accessClaims, error) {
	claims := &accessClaims{}
	_, err := p.parser.ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
		return p.secret, nil
	})
	if err != nil || claims.Subject == "" {
		return nil, ErrInvalidToken
	}
	return claims, nil
}

func (p *JWTProvider) isRevoked(token string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.revoked[token]
	return ok
}

func (p *JWTProvider) pruneLocked() {
	now := p.now()
	for tok, exp := range p.revoked {
		if exp.Before(now) {
			delete(p.revoked, tok)
		}
	}
}

// ExtractBearer returns the bearer token of r, falling back to the
// access_token query parameter browsers use for WebSocket upgrades.
func ExtractBearer(r *http.Request) (string, error) {
	if authz := r.Header.Get("Authorization"); authz != "" {
		if !strings.HasPrefix(authz, "Bearer ") {
			return "", ErrInvalidToken
		}
		token := strings.TrimSpace(strings.TrimPrefix(authz, "Bearer "))
		if token == "" {
			return "", ErrInvalidToken
		}
		return token, nil
	}
	if token := strings.TrimSpace(r.URL.Query().Get("access_token")); token != "" {
		return token, nil
	}
	return "", ErrMissingBearer
}

// UserID resolves the user behind token. Any failure degrades to "".
func UserID(ctx context.Context, p Provider, token string) string {
	if p == nil || token == "" {
		return ""
	}
	sess, err := p.CurrentSession(ctx, token)
	if err != nil || sess == nil {
		return ""
	}
	return sess.UserID
}
