package fakeserver

import (
	"errors"
	"time"

	gojwt "github.com/golang-jwt/jwt/v5"
)

const (
	tokenAccess  = "access"
	tokenRefresh = "refresh"
)

type tokenClaims struct {
	Kind string `json:"typ"`
	gojwt.RegisteredClaims
}

// IssueToken signs an access or refresh token for userID.
func (s *Server) IssueToken(userID string, kind string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := tokenClaims{
		Kind: kind,
		RegisteredClaims: gojwt.RegisteredClaims{
			Subject:   userID,
			IssuedAt:  gojwt.NewNumericDate(now),
			ExpiresAt: gojwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return gojwt.NewWithClaims(gojwt.SigningMethodHS256, claims).SignedString(s.settings.TokenSecret)
}

func (s *Server) issuePair(userID string) (access string, refresh string, err error) {
	access, err = s.IssueToken(userID, tokenAccess, s.settings.AccessTokenTTL)
	if err != nil {
		return
	}
	refresh, err = s.IssueToken(userID, tokenRefresh, s.settings.RefreshTokenTTL)
	return
}

// verify returns the subject of a valid token of the given kind.
func (s *Server) verify(token string, kind string) (string, error) {
	claims := &tokenClaims{}
	_, err := gojwt.ParseWithClaims(token, claims, func(t *gojwt.Token) (any, error) {
		return s.settings.TokenSecret, nil
	}, gojwt.WithValidMethods([]string{gojwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return "", err
	}
	if claims.Kind != kind {
		return "", errors.New("wrong token type")
	}
	if claims.Subject == "" {
		return "", errors.New("token has no subject")
	}
	return claims.Subject, nil
}
