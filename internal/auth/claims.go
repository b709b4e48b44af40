package auth

import (
	"encoding/json"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Claims is a verified token's claim set. Instances only come out of
// Verifier.Verify, so holders can rely on signature and temporal
// validity having been checked.
type Claims struct {
	raw jwt.MapClaims
}

// Role returns the "role" claim, the Postgres role used when probing
// topic authorization. Empty when the token carries none.
func (c *Claims) Role() string {
	role, _ := c.raw["role"].(string)
	return role
}

// Subject returns the "sub" claim or "".
func (c *Claims) Subject() string {
	sub, _ := c.raw.GetSubject()
	return sub
}

// ExpiresAt returns the token expiry. Zero when the token has no exp
// claim, which Verify rejects, so verified claims always have one.
func (c *Claims) ExpiresAt() time.Time {
	exp, err := c.raw.GetExpirationTime()
	if err != nil || exp == nil {
		return time.Time{}
	}
	return exp.Time
}

// Get returns an arbitrary claim value.
func (c *Claims) Get(name string) (interface{}, bool) {
	v, ok := c.raw[name]
	return v, ok
}

// Map returns a copy of the full claim set, used to build the
// request.jwt.claims context for authorization probes.
func (c *Claims) Map() map[string]interface{} {
	out := make(map[string]interface{}, len(c.raw))
	for k, v := range c.raw {
		out[k] = v
	}
	return out
}

// JSON renders the claim set as the JSON object injected into the
// tenant database session during authorization probes.
func (c *Claims) JSON() ([]byte, error) {
	return json.Marshal(c.raw)
}
