package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/alexedwards/argon2id"
	"github.com/lestrrat-go/jwx/v2/jwa"
	"github.com/lestrrat-go/jwx/v2/jws"
	"github.com/lestrrat-go/jwx/v2/jwt"

	"github.com/noah-isme/shop-reduction/internal/common"
)

const (
	defaultAccessTTL = time.Hour
	defaultIssuer    = "shop-reduction"
	defaultAudience  = "rule-authors"

	// ScopeRulesWrite lets a token author reduction rules.
	ScopeRulesWrite = "rules:write"
	scopeClaim      = "scope"
)

// authorPattern keeps author names usable as a save-slot namespace.
var authorPattern = regexp.MustCompile(`^[A-Za-z0-9_-]{1,64}$`)

// ValidAuthor reports whether name may be used as a token subject.
func ValidAuthor(name string) bool {
	return authorPattern.MatchString(name)
}

// ErrInvalidCredentials is returned when the author passphrase does not match.
var ErrInvalidCredentials = errors.New("auth: invalid credentials")

// Service issues and verifies the bearer tokens used by rule authors.
type Service struct {
	secret         []byte
	passphraseHash string
	accessTTL      time.Duration
	now            func() time.Time
	signer         jwa.SignatureAlgorithm
	validator      TokenValidator
	issuer         string
	audience       string
	clockSkew      time.Duration
}

// Config configures the auth service.
type Config struct {
	Secret         string
	PassphraseHash string
	AccessTokenTTL time.Duration
	Issuer         string
	Audience       string
	ClockSkew      time.Duration
}

// TokenResult is returned after a successful token exchange.
type TokenResult struct {
	AccessToken string    `json:"access_token"`
	TokenType   string    `json:"token_type"`
	ExpiresAt   time.Time `json:"expires_at"`
	Author      string    `json:"author"`
	Scope       string    `json:"scope"`
}

// NewService constructs a Service instance with sane defaults.
func NewService(cfg Config) (*Service, error) {
	secret := strings.TrimSpace(cfg.Secret)
	if secret == "" {
		return nil, errors.New("auth: secret is required")
	}
	accessTTL := cfg.AccessTokenTTL
	if accessTTL <= 0 {
		accessTTL = defaultAccessTTL
	}
	issuer := strings.TrimSpace(cfg.Issuer)
	if issuer == "" {
		issuer = defaultIssuer
	}
	audience := strings.TrimSpace(cfg.Audience)
	if audience == "" {
		audience = defaultAudience
	}
	clockSkew := max(cfg.ClockSkew, 0)

	return &Service{
		secret:         []byte(secret),
		passphraseHash: strings.TrimSpace(cfg.PassphraseHash),
		accessTTL:      accessTTL,
		now:            time.Now,
		signer:         jwa.HS256,
		validator: TokenValidator{
			Issuer:    issuer,
			Audience:  audience,
			ClockSkew: clockSkew,
			Algorithm: jwa.HS256,
		},
		issuer:    issuer,
		audience:  audience,
		clockSkew: clockSkew,
	}, nil
}

// WithNow allows tests to override the time provider.
func (s *Service) WithNow(now func() time.Time) {
	if now != nil {
		s.now = now
	}
}

// HashPassphrase produces the argon2id hash stored in AUTHOR_PASSPHRASE_HASH.
func HashPassphrase(passphrase string) (string, error) {
	if strings.TrimSpace(passphrase) == "" {
		return "", errors.New("auth: passphrase is required")
	}
	return argon2id.CreateHash(passphrase, argon2id.DefaultParams)
}

// IssueToken exchanges the shared author passphrase for a bearer token whose
// subject is author.
func (s *Service) IssueToken(_ context.Context, author, passphrase string) (TokenResult, error) {
	author = strings.TrimSpace(author)
	if author == "" {
		return TokenResult{}, common.NewAppError("VALIDATION_ERROR", "author is required", http.StatusBadRequest, nil)
	}
	if !ValidAuthor(author) {
		return TokenResult{}, common.NewAppError("VALIDATION_ERROR", "author may only contain letters, digits, '_' and '-'", http.StatusBadRequest, nil).WithDetails(map[string]string{"author": author})
	}
	if s.passphraseHash == "" {
		return TokenResult{}, common.NewAppError("AUTH_DISABLED", "rule authoring is not configured", http.StatusServiceUnavailable, nil)
	}
	match, err := argon2id.ComparePasswordAndHash(passphrase, s.passphraseHash)
	if err != nil {
		return TokenResult{}, fmt.Errorf("auth: compare passphrase: %w", err)
	}
	if !match {
		return TokenResult{}, common.NewAppError("INVALID_CREDENTIALS", "invalid author or passphrase", http.StatusUnauthorized, ErrInvalidCredentials)
	}
	token, expiresAt, err := s.signAccessToken(author, ScopeRulesWrite)
	if err != nil {
		return TokenResult{}, fmt.Errorf("auth: sign token: %w", err)
	}
	return TokenResult{
		AccessToken: token,
		TokenType:   "Bearer",
		ExpiresAt:   expiresAt,
		Author:      author,
		Scope:       ScopeRulesWrite,
	}, nil
}

// Claims is the verified content of an access token.
type Claims struct {
	Author string
	Scope  string
}

// ParseAccessToken verifies signature, algorithm and registered claims.
func (s *Service) ParseAccessToken(token string) (Claims, error) {
	trimmed := strings.TrimSpace(token)
	if trimmed == "" {
		return Claims{}, unauthorized("missing token", nil)
	}
	algorithm, err := extractTokenAlgorithm(trimmed)
	if err != nil {
		return Claims{}, unauthorized("invalid token", err)
	}
	if s.validator.Algorithm != "" && algorithm != s.validator.Algorithm {
		return Claims{}, unauthorized("invalid token", fmt.Errorf("unexpected token algorithm %s", algorithm))
	}
	parsed, err := jwt.ParseString(trimmed, jwt.WithKey(algorithm, s.secret), jwt.WithValidate(false))
	if err != nil {
		return Claims{}, unauthorized("invalid token", err)
	}
	if err := s.validator.Validate(parsed, algorithm, s.now()); err != nil {
		return Claims{}, unauthorized("invalid token", err)
	}
	if !ValidAuthor(parsed.Subject()) {
		return Claims{}, unauthorized("invalid token", fmt.Errorf("invalid subject %q", parsed.Subject()))
	}
	claims := Claims{Author: parsed.Subject()}
	if raw, ok := parsed.Get(scopeClaim); ok {
		claims.Scope, _ = raw.(string)
	}
	return claims, nil
}

func unauthorized(message string, err error) *common.AppError {
	return common.NewAppError("UNAUTHORIZED", message, http.StatusUnauthorized, err)
}

func extractTokenAlgorithm(token string) (jwa.SignatureAlgorithm, error) {
	message, err := jws.ParseString(token)
	if err != nil {
		return "", err
	}
	signatures := message.Signatures()
	if len(signatures) != 1 {
		return "", fmt.Errorf("auth: expected one signature, got %d", len(signatures))
	}
	headers := signatures[0].ProtectedHeaders()
	if headers == nil {
		return "", errors.New("auth: token missing protected headers")
	}
	switch alg := headers.Algorithm(); alg {
	case "":
		return "", errors.New("auth: token missing algorithm")
	case jwa.NoSignature:
		return "", errors.New("auth: token uses none algorithm")
	default:
		return alg, nil
	}
}

func (s *Service) signAccessToken(author, scope string) (string, time.Time, error) {
	now := s.now()
	expiresAt := now.Add(s.accessTTL)
	token, err := jwt.NewBuilder().
		Subject(author).
		Issuer(s.issuer).
		Audience([]string{s.audience}).
		IssuedAt(now).
		NotBefore(now.Add(-s.clockSkew)).
		Expiration(expiresAt).
		Claim(scopeClaim, scope).
		Build()
	if err != nil {
		return "", time.Time{}, err
	}
	signed, err := jwt.Sign(token, jwt.WithKey(s.signer, s.secret))
	if err != nil {
		return "", time.Time{}, err
	}
	return string(signed), expiresAt, nil
}
