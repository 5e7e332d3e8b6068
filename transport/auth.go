package transport

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	jwt "github.com/golang-jwt/jwt/v5"

	"ilpconnector/ledger"
)

// ErrUnauthorized reports a missing or unknown peer credential.
var ErrUnauthorized = errors.New("transport: unauthorized")

// AccountSource resolves authenticated peers to their ledger accounts.
type AccountSource interface {
	Account(ctx context.Context, id string) (ledger.Account, error)
	AccountByToken(ctx context.Context, token string) (ledger.Account, error)
}

type AuthConfig struct {
	// JWTSecret enables HS256 bearer tokens whose subject names the peer
	// account. Static incoming tokens are always accepted.
	JWTSecret string
	Issuer    string
	ClockSkew time.Duration
}

// Authenticator maps the bearer credential of an inbound request to the
// incoming account.
type Authenticator struct {
	cfg      AuthConfig
	secret   []byte
	accounts AccountSource
}

func NewAuthenticator(cfg AuthConfig, accounts AccountSource) *Authenticator {
	if cfg.ClockSkew <= 0 {
		cfg.ClockSkew = time.Minute
	}
	return &Authenticator{
		cfg:      cfg,
		secret:   []byte(strings.TrimSpace(cfg.JWTSecret)),
		accounts: accounts,
	}
}

// Authenticate returns the account the request's bearer token belongs to.
func (a *Authenticator) Authenticate(r *http.Request) (ledger.Account, error) {
	token := extractBearer(r.Header.Get("Authorization"))
	if token == "" {
		return ledger.Account{}, fmt.Errorf("%w: missing bearer token", ErrUnauthorized)
	}
	ctx := r.Context()
	if len(a.secret) > 0 && strings.Count(token, ".") == 2 {
		subject, err := a.parseToken(token)
		if err != nil {
			return ledger.Account{}, fmt.Errorf("%w: %v", ErrUnauthorized, err)
		}
		acc, err := a.accounts.Account(ctx, subject)
		if err != nil {
			return ledger.Account{}, fmt.Errorf("%w: subject %s: %v", ErrUnauthorized, subject, err)
		}
		return acc, nil
	}
	acc, err := a.accounts.AccountByToken(ctx, token)
	if err != nil {
		return ledger.Account{}, fmt.Errorf("%w: %v", ErrUnauthorized, err)
	}
	return acc, nil
}

func (a *Authenticator) parseToken(raw string) (string, error) {
	opts := []jwt.ParserOption{
		jwt.WithLeeway(a.cfg.ClockSkew),
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
	}
	if a.cfg.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(a.cfg.Issuer))
	}
	token, err := jwt.ParseWithClaims(raw, &jwt.RegisteredClaims{}, func(*jwt.Token) (interface{}, error) {
		return a.secret, nil
	}, opts...)
	if err != nil {
		return "", err
	}
	subject, err := token.Claims.GetSubject()
	if err != nil {
		return "", err
	}
	if subject == "" {
		return "", errors.New("token has no subject")
	}
	return subject, nil
}

// IssueToken signs a token for peer that this node's Authenticator accepts.
func IssueToken(secret, issuer, peer string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := jwt.RegisteredClaims{
		Subject:  peer,
		Issuer:   issuer,
		IssuedAt: jwt.NewNumericDate(now),
	}
	if ttl > 0 {
		claims.ExpiresAt = jwt.NewNumericDate(now.Add(ttl))
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
}

func extractBearer(header string) string {
	header = strings.TrimSpace(header)
	if len(header) < 7 || !strings.EqualFold(header[:7], "bearer ") {
		return ""
	}
	return strings.TrimSpace(header[7:])
}

type accountKey struct{}

// WithAccount attaches the authenticated incoming account to ctx.
func WithAccount(ctx context.Context, acc ledger.Account) context.Context {
	return context.WithValue(ctx, accountKey{}, acc)
}

// AccountFromContext returns the account attached by the auth middleware.
func AccountFromContext(ctx context.Context) (ledger.Account, bool) {
	acc, ok := ctx.Value(accountKey{}).(ledger.Account)
	return acc, ok
}

// Middleware rejects unauthenticated requests with 401.
func (a *Authenticator) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		acc, err := a.Authenticate(r)
		if err != nil {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r.WithContext(WithAccount(r.Context(), acc)))
	})
}
