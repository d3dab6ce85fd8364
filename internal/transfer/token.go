package transfer

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Session tokens authenticate item uploads after a successful handshake.
// They are HS256 JWTs signed with the session's transport key, so possession
// of a valid token implies completion of the pairing handshake.
type tokenIssuer struct {
	key []byte
	iss string
	ttl time.Duration
}

func newTokenIssuer(transportKey []byte, ttl time.Duration) *tokenIssuer {
	return &tokenIssuer{key: transportKey, iss: "vault-transfer", ttl: ttl}
}

func (t *tokenIssuer) Issue(sid string) (string, error) {
	now := time.Now()
	claims := jwt.RegisteredClaims{
		Issuer:    t.iss,
		Subject:   sid,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(t.ttl)),
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(t.key)
}

func (t *tokenIssuer) Validate(tokenStr, sid string) error {
	tok, err := jwt.ParseWithClaims(tokenStr, &jwt.RegisteredClaims{},
		func(tk *jwt.Token) (any, error) {
			if tk.Method != jwt.SigningMethodHS256 {
				return nil, errors.New("unexpected signing method")
			}
			return t.key, nil
		},
		jwt.WithIssuer(t.iss),
		jwt.WithSubject(sid),
		jwt.WithExpirationRequired(),
	)
	if err != nil || !tok.Valid {
		return ErrSessionClosed
	}
	return nil
}
