// Package token issues and verifies the short-lived media channel
// credentials (HS256 JWTs).
package token

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/dkeye/Meet/internal/core"
	"github.com/dkeye/Meet/internal/domain"
)

var ErrInvalidToken = errors.New("invalid media token")

type Claims struct {
	AppID   string               `json:"app_id"`
	Channel domain.RoomName      `json:"channel"`
	UID     domain.ParticipantID `json:"uid"`
	Role    domain.Role          `json:"role"`
	jwt.RegisteredClaims
}

type Service struct {
	secret []byte
	issuer string
	appID  string
	ttl    time.Duration
	now    func() time.Time
}

func NewService(secret, issuer, appID string, ttl time.Duration) *Service {
	return &Service{secret: []byte(secret), issuer: issuer, appID: appID, ttl: ttl, now: time.Now}
}

func invalid(format string, args ...any) error {
	return &domain.TokenError{Code: domain.TokenInvalidArgument, Message: fmt.Sprintf(format, args...)}
}

// Issue signs a credential for req on behalf of account. Bad input yields a
// *domain.TokenError with code invalid-argument.
func (s *Service) Issue(req core.TokenRequest, account domain.AccountID) (*core.Credential, error) {
	if err := domain.ValidateRoomName(string(req.ChannelName)); err != nil {
		return nil, invalid("channelName %q is not a valid channel name", req.ChannelName)
	}
	if req.UID == 0 {
		return nil, invalid("uid must be non-zero")
	}
	role := req.Role
	if role == "" {
		role = domain.RolePublisher
	}
	if !role.Valid() {
		return nil, invalid("unknown role %q", req.Role)
	}

	now := s.now()
	exp := now.Add(s.ttl)
	claims := Claims{
		AppID:   s.appID,
		Channel: req.ChannelName,
		UID:     req.UID,
		Role:    role,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    s.issuer,
			Subject:   string(account),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(exp),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
	if err != nil {
		return nil, &domain.TokenError{Code: domain.TokenInternal, Message: "could not sign token"}
	}
	return &core.Credential{
		Token:     signed,
		AppID:     s.appID,
		ExpiresAt: exp,
		Channel:   req.ChannelName,
		UID:       req.UID,
	}, nil
}

// Verify checks signature, issuer and expiry, and that the token was issued
// for this app.
func (s *Service) Verify(raw string) (*Claims, error) {
	claims := &Claims{}
	_, err := jwt.ParseWithClaims(raw, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return s.secret, nil
	},
		jwt.WithIssuer(s.issuer),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(s.now),
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidToken, err)
	}
	if claims.AppID != s.appID {
		return nil, fmt.Errorf("%w: app id mismatch", ErrInvalidToken)
	}
	return claims, nil
}

// Admits reports whether claims allow joining channel as uid under appID.
func (c *Claims) Admits(appID string, channel domain.RoomName, uid domain.ParticipantID) bool {
	return c.AppID == appID && c.Channel == channel && c.UID == uid
}
