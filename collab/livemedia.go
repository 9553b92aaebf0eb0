package collab

import (
	"fmt"
	"time"

	gojwt "github.com/golang-jwt/jwt/v5"
	"github.com/oklog/ulid/v2"

	"coedit.dev/collab/protocol"
)

type MediaTokenIssuerSettings struct {
	TokenTtl time.Duration
}

func DefaultMediaTokenIssuerSettings() *MediaTokenIssuerSettings {
	return &MediaTokenIssuerSettings{
		TokenTtl: 6 * time.Hour,
	}
}

// MediaTokenIssuer mints per-participant access tokens for the external
// audio/video session attached to a room. The media service itself is a
// separate system; this is just the credential.
type MediaTokenIssuer struct {
	apiKey   string
	secret   []byte
	settings *MediaTokenIssuerSettings
}

func NewMediaTokenIssuerWithDefaults(apiKey string, secret string) *MediaTokenIssuer {
	return NewMediaTokenIssuer(apiKey, secret, DefaultMediaTokenIssuerSettings())
}

func NewMediaTokenIssuer(apiKey string, secret string, settings *MediaTokenIssuerSettings) *MediaTokenIssuer {
	return &MediaTokenIssuer{
		apiKey:   apiKey,
		secret:   []byte(secret),
		settings: settings,
	}
}

// RoomName allocates a fresh name for the external media room backing a
// new collaboration room.
func (self *MediaTokenIssuer) RoomName() string {
	return fmt.Sprintf("media-%s", ulid.Make())
}

func (self *MediaTokenIssuer) MintToken(room string, userId protocol.UserId) (string, error) {
	if len(self.secret) == 0 {
		// media disabled
		return "", nil
	}
	now := time.Now()
	claims := gojwt.MapClaims{
		"iss":  self.apiKey,
		"sub":  fmt.Sprintf("user-%d", userId),
		"room": room,
		"iat":  now.Unix(),
		"exp":  now.Add(self.settings.TokenTtl).Unix(),
	}
	token := gojwt.NewWithClaims(gojwt.SigningMethodHS256, claims)
	return token.SignedString(self.secret)
}
