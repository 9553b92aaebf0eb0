package collab

import (
	"fmt"
	"time"

	gojwt "github.com/golang-jwt/jwt/v5"
	"github.com/oklog/ulid/v2"

	"coedit.dev/collab/protocol"
)

// Principal is the authenticated identity behind a connection, either a
// human user or a service peer.
type Principal struct {
	UserId protocol.UserId
	Kind   protocol.PrincipalKind
}

// Authenticator verifies the token carried by the first frame of every
// connection. HS256 with a shared secret.
type Authenticator struct {
	secret []byte
}

func NewAuthenticator(secret string) *Authenticator {
	return &Authenticator{
		secret: []byte(secret),
	}
}

func (self *Authenticator) MintToken(userId protocol.UserId, kind protocol.PrincipalKind, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := gojwt.MapClaims{
		"user_id":   fmt.Sprintf("%d", userId),
		"principal": string(kind),
		"iat":       now.Unix(),
		"exp":       now.Add(ttl).Unix(),
		"jti":       ulid.Make().String(),
	}
	token := gojwt.NewWithClaims(gojwt.SigningMethodHS256, claims)
	return token.SignedString(self.secret)
}

func (self *Authenticator) VerifyToken(tokenStr string) (*Principal, error) {
	token, err := gojwt.Parse(
		tokenStr,
		func(token *gojwt.Token) (any, error) {
			return self.secret, nil
		},
		gojwt.WithValidMethods([]string{"HS256"}),
	)
	if err != nil {
		return nil, ErrUnauthorized("invalid token: %s", err)
	}
	claims, ok := token.Claims.(gojwt.MapClaims)
	if !ok {
		return nil, ErrUnauthorized("invalid token claims")
	}
	userIdStr, ok := claims["user_id"].(string)
	if !ok {
		return nil, ErrUnauthorized("token missing user_id")
	}
	var userId protocol.UserId
	if _, err := fmt.Sscanf(userIdStr, "%d", &userId); err != nil || userId <= 0 {
		return nil, ErrUnauthorized("token user_id malformed")
	}
	kind := protocol.PrincipalUser
	if principalStr, ok := claims["principal"].(string); ok {
		switch protocol.PrincipalKind(principalStr) {
		case protocol.PrincipalUser, protocol.PrincipalService:
			kind = protocol.PrincipalKind(principalStr)
		default:
			return nil, ErrUnauthorized("unknown principal kind %s", principalStr)
		}
	}
	return &Principal{
		UserId: userId,
		Kind:   kind,
	}, nil
}
