// Package video mints access tokens for the hosted audio/video provider.
// Tokens follow the provider's JWT access-token format: an API key as
// issuer, the account as subject and a grants claim naming the identity and
// the room it may join.
package video

import (
	"fmt"
	"strconv"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"livesession/internal/config"
	"livesession/pkg/types"
)

const (
	contentType     = "twilio-fpa;v=1"
	defaultTokenTTL = time.Hour
)

// RoomGrant allows joining one room.
type RoomGrant struct {
	Room string `json:"room,omitempty"`
}

// Grants is the provider-specific claim.
type Grants struct {
	Identity string     `json:"identity"`
	Video    *RoomGrant `json:"video,omitempty"`
}

// Claims is the full token body.
type Claims struct {
	Grants Grants `json:"grants"`
	jwt.RegisteredClaims
}

type Issuer struct {
	config config.VideoConfig
	now    func() time.Time
}

func NewIssuer(cfg config.VideoConfig) *Issuer {
	if cfg.TokenTTL <= 0 {
		cfg.TokenTTL = defaultTokenTTL
	}
	return &Issuer{config: cfg, now: time.Now}
}

// Configured reports whether provider credentials are present.
func (i *Issuer) Configured() bool {
	return i.config.AccountSID != "" && i.config.APIKey != "" && i.config.APISecret != ""
}

// Issue returns a signed token letting identity join room.
func (i *Issuer) Issue(identity, room string) (string, error) {
	if !i.Configured() {
		return "", fmt.Errorf("%w: video provider is not configured", types.ErrUpstream)
	}
	if identity == "" || room == "" {
		return "", fmt.Errorf("%w: identity and room are required", types.ErrInvalidInput)
	}

	now := i.now()
	claims := Claims{
		Grants: Grants{Identity: identity, Video: &RoomGrant{Room: room}},
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        i.config.APIKey + "-" + strconv.FormatInt(now.Unix(), 10),
			Issuer:    i.config.APIKey,
			Subject:   i.config.AccountSID,
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(i.config.TokenTTL)),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	token.Header["cty"] = contentType

	signed, err := token.SignedString([]byte(i.config.APISecret))
	if err != nil {
		return "", fmt.Errorf("%w: sign video token: %v", types.ErrUpstream, err)
	}
	return signed, nil
}
