package auth

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"

	"github.com/go-jose/go-jose/v4"
	"github.com/golang-jwt/jwt/v5"
	"github.com/sirupsen/logrus"

	"github.com/wavecast/wavecast/internal/config"
	"github.com/wavecast/wavecast/internal/metrics"
	"github.com/wavecast/wavecast/internal/tenant"
)

// validMethods is the closed set of accepted signing algorithms.
// Symmetric verification uses the tenant's stored secret, asymmetric
// verification a key from the tenant's stored JWKS.
var validMethods = []string{
	"HS256", "HS384", "HS512",
	"RS256", "RS384", "RS512",
	"ES256", "ES384", "ES512",
	"EdDSA",
}

// Verifier validates client tokens against per-tenant signing material
// and claim validators. Successful results are cached per (tenant,
// token digest) until the token expires; rejections are never cached so
// a rotated secret takes effect immediately for bad tokens.
type Verifier struct {
	validators map[string]string // process-wide, from JWT_CLAIM_VALIDATORS
	cache      *resultCache
	metrics    metrics.Manager
	logger     *logrus.Entry
}

// NewVerifier creates a token verifier. The process-wide claim
// validators from the configuration apply to every tenant; tenants add
// their own on top.
func NewVerifier(cfg config.Config, m metrics.Manager, logger *logrus.Entry) *Verifier {
	return &Verifier{
		validators: cfg.ClaimValidators,
		cache:      newResultCache(defaultTokenCacheSize),
		metrics:    m,
		logger:     logger,
	}
}

// Verify checks the token's signature and temporal validity against
// the tenant's signing material, then applies claim validators. A nil
// error means the returned claims are trustworthy. Failures carry an
// *AuthError whose Kind is one of expired, bad_signature, bad_format
// or claim_mismatch.
func (v *Verifier) Verify(ten *tenant.Tenant, token string) (*Claims, error) {
	key := cacheKey(ten.ExternalID, token)
	if claims, ok := v.cache.get(key); ok {
		v.metrics.RecordCacheLookup("token", true)
		return claims, nil
	}
	v.metrics.RecordCacheLookup("token", false)

	claims, err := v.verify(ten, token)
	if err != nil {
		v.metrics.RecordAuthAttempt("jwt", false)
		if kind := KindOf(err); kind != "" {
			v.metrics.RecordAuthFailure("jwt", string(kind))
			v.logger.WithFields(logrus.Fields{
				"tenant": ten.ExternalID,
				"kind":   string(kind),
			}).Debug("Token rejected")
		}
		return nil, err
	}

	v.metrics.RecordAuthAttempt("jwt", true)
	v.cache.put(key, claims, claims.ExpiresAt())
	return claims, nil
}

// EvictTenant drops every cached token result for a tenant. Wired to
// registry invalidation so a rotated secret or suspension cuts off
// previously accepted tokens.
func (v *Verifier) EvictTenant(externalID string) {
	if n := v.cache.evictTenant(externalID); n > 0 {
		v.logger.WithFields(logrus.Fields{
			"tenant":  externalID,
			"entries": n,
		}).Debug("Evicted cached token results")
	}
}

func (v *Verifier) verify(ten *tenant.Tenant, token string) (*Claims, error) {
	raw := jwt.MapClaims{}
	_, err := jwt.ParseWithClaims(token, raw, v.keyfunc(ten),
		jwt.WithValidMethods(validMethods),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		return nil, classify(err)
	}
	if err := v.validateClaims(ten, raw); err != nil {
		return nil, err
	}
	return &Claims{raw: raw}, nil
}

// keyfunc resolves the verification key for a parsed header: HMAC
// methods use the tenant secret, everything else a JWKS key.
func (v *Verifier) keyfunc(ten *tenant.Tenant) jwt.Keyfunc {
	return func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); ok {
			if ten.JWTSecret == "" {
				return nil, errors.New("tenant has no jwt secret")
			}
			return []byte(ten.JWTSecret), nil
		}
		return jwksKey(ten, t)
	}
}

// jwksKey picks the verification key from the tenant's stored key set,
// by kid when the token names one, otherwise by algorithm.
func jwksKey(ten *tenant.Tenant, t *jwt.Token) (interface{}, error) {
	if len(ten.JWTJWKS) == 0 {
		return nil, errors.New("tenant has no jwks")
	}
	var set jose.JSONWebKeySet
	if err := json.Unmarshal(ten.JWTJWKS, &set); err != nil {
		return nil, fmt.Errorf("parsing tenant jwks: %w", err)
	}
	if kid, _ := t.Header["kid"].(string); kid != "" {
		if keys := set.Key(kid); len(keys) > 0 {
			return keys[0].Key, nil
		}
		return nil, fmt.Errorf("jwks has no key %q", kid)
	}
	for _, k := range set.Keys {
		if k.Algorithm == "" || k.Algorithm == t.Method.Alg() {
			return k.Key, nil
		}
	}
	return nil, fmt.Errorf("jwks has no key for %s", t.Method.Alg())
}

// validateClaims applies the process-wide validators with the tenant's
// own overlaid per claim, so a tenant validator replaces the baseline
// for that claim instead of stacking an unsatisfiable second value.
// Every effective claim must be present and match its literal exactly.
func (v *Verifier) validateClaims(ten *tenant.Tenant, raw jwt.MapClaims) error {
	effective := v.validators
	if len(ten.JWTClaimValidators) > 0 {
		effective = make(map[string]string, len(v.validators)+len(ten.JWTClaimValidators))
		for name, want := range v.validators {
			effective[name] = want
		}
		for name, want := range ten.JWTClaimValidators {
			effective[name] = want
		}
	}

	for name, want := range effective {
		got, ok := raw[name]
		if !ok {
			return &AuthError{
				Kind: KindClaimMismatch,
				Err:  fmt.Errorf("required claim %q missing", name),
			}
		}
		if claimLiteral(got) != want {
			return &AuthError{
				Kind: KindClaimMismatch,
				Err:  fmt.Errorf("claim %q does not match expected value", name),
			}
		}
	}
	return nil
}

// claimLiteral renders a decoded claim value in the literal form the
// validator configuration uses.
func claimLiteral(v interface{}) string {
	switch x := v.(type) {
	case string:
		return x
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(x)
	case json.Number:
		return x.String()
	default:
		b, _ := json.Marshal(x)
		return string(b)
	}
}

// classify maps parser errors onto the closed rejection kinds. A token
// that is not valid yet fails temporal validity the same way an expired
// one does.
func classify(err error) *AuthError {
	switch {
	case errors.Is(err, jwt.ErrTokenExpired), errors.Is(err, jwt.ErrTokenNotValidYet):
		return &AuthError{Kind: KindExpired, Err: err}
	case errors.Is(err, jwt.ErrTokenMalformed), errors.Is(err, jwt.ErrTokenRequiredClaimMissing):
		return &AuthError{Kind: KindBadFormat, Err: err}
	default:
		return &AuthError{Kind: KindBadSignature, Err: err}
	}
}
