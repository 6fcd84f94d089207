package auth

import (
	"testing"
	"time"

	"github.com/lestrrat-go/jwx/v2/jwa"
	"github.com/lestrrat-go/jwx/v2/jwt"
	"github.com/stretchr/testify/require"
)

func buildToken(t *testing.T, mutate func(*jwt.Builder) *jwt.Builder) jwt.Token {
	t.Helper()
	now := time.Now()
	b := jwt.NewBuilder().
		Issuer("issuer").
		Audience([]string{"aud"}).
		Subject("gm").
		IssuedAt(now).
		NotBefore(now).
		Expiration(now.Add(time.Minute))
	if mutate != nil {
		b = mutate(b)
	}
	tok, err := b.Build()
	require.NoError(t, err)
	return tok
}

func TestTokenValidatorValidateSuccess(t *testing.T) {
	validator := TokenValidator{Issuer: "issuer", Audience: "aud", ClockSkew: time.Second, Algorithm: jwa.HS256}
	require.NoError(t, validator.Validate(buildToken(t, nil), jwa.HS256, time.Now()))
}

func TestTokenValidatorRejects(t *testing.T) {
	now := time.Now()
	validator := TokenValidator{Issuer: "issuer", Audience: "aud", Algorithm: jwa.HS256}
	cases := map[string]jwt.Token{
		"issuer mismatch": buildToken(t, func(b *jwt.Builder) *jwt.Builder { return b.Issuer("other") }),
		"expired":         buildToken(t, func(b *jwt.Builder) *jwt.Builder { return b.Expiration(now.Add(-time.Minute)) }),
		"not before":      buildToken(t, func(b *jwt.Builder) *jwt.Builder { return b.NotBefore(now.Add(5 * time.Minute)) }),
		"no subject":      buildToken(t, func(b *jwt.Builder) *jwt.Builder { return b.Subject("") }),
	}
	for name, tok := range cases {
		t.Run(name, func(t *testing.T) {
			require.Error(t, validator.Validate(tok, jwa.HS256, now))
		})
	}
}

func TestTokenValidatorAlgorithmMismatch(t *testing.T) {
	validator := TokenValidator{Issuer: "issuer", Audience: "aud", Algorithm: jwa.HS256}
	require.Error(t, validator.Validate(buildToken(t, nil), jwa.RS256, time.Now()))
	require.Error(t, validator.Validate(buildToken(t, nil), "", time.Now()))
	require.Error(t, validator.Validate(nil, jwa.HS256, time.Now()))
}
