package auth

import (
	"github.com/golang-jwt/jwt/v5"

	"github.com/angelmondragon/eventrelay/pkg/enums"
)

// AccessTokenPayload captures the data available when minting a JWT.
type AccessTokenPayload struct {
	ActorID string
	Role    enums.ActorRole
	JTI     string
}

// AccessTokenClaims represents the typed JWT presented to the admin API.
type AccessTokenClaims struct {
	Role enums.ActorRole `json:"role"`
	jwt.RegisteredClaims
}

// ActorID returns the subject the token was minted for.
func (c AccessTokenClaims) ActorID() string {
	return c.Subject
}
