// Package token mints and parses the engine's scoped access credentials.
package token

import (
	"context"
	"crypto"
	"crypto/ecdsa"
	"crypto/rand"
	"crypto/rsa"
	"encoding/hex"
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"

	policydomain "rights-control-engine/internal/policy/domain"
	"rights-control-engine/internal/token/blacklist"
)

// Sentinel errors for the issuer; the HTTP layer maps them to status codes.
var (
	ErrPolicyNotActive = errors.New("policy is not active")
	ErrInvalidScope    = errors.New("invalid scope")
	ErrInvalidToken    = errors.New("invalid token")
)

// Claims holds the JWT claims for an access token. KeyVersion pins the key
// version active at issuance, so rotation never changes an issued token's
// semantics retroactively.
type Claims struct {
	jwt.RegisteredClaims
	PolicyID    string   `json:"policy_id"`
	KeyVersion  string   `json:"key_version"`
	Scope       []string `json:"scope"`
	DeviceID    string   `json:"device_id,omitempty"`
	IPAllowlist []string `json:"ip_allowlist,omitempty"`
}

// PolicyGetter is the minimal policy read path the issuer needs.
type PolicyGetter interface {
	Get(ctx context.Context, id string) (*policydomain.Policy, error)
}

// TTLCeiling returns the maximum token lifetime for a protection tier.
type TTLCeiling func(tier string) time.Duration

// IssueRequest describes one credential to mint.
type IssueRequest struct {
	PolicyID    string
	PrincipalID string
	Scope       []policydomain.Action
	TTL         time.Duration
	DeviceID    string
	IPAllowlist []string
}

// IssuedToken is the issuance result. ExpiresAt reflects clamping, so callers
// never see a silent mismatch between requested and effective TTL.
type IssuedToken struct {
	Token        string
	JTI          string
	ExpiresAt    time.Time
	Permissions  []policydomain.Action
	Restrictions []string
}

// Issuer mints signed access tokens bound to a policy and a principal,
// using RS256 or ES256 (private/public key).
type Issuer struct {
	privateKey crypto.Signer
	publicKey  crypto.PublicKey
	issuer     string
	audience   string
	policies   PolicyGetter
	ceiling    TTLCeiling
	revocation blacklist.Store
}

// NewIssuer returns an Issuer that signs with the given private key.
// revocation may be nil; then issued tokens are not registered for
// policy-wide invalidation.
func NewIssuer(privateKey crypto.Signer, publicKey crypto.PublicKey, issuer, audience string, policies PolicyGetter, ceiling TTLCeiling, revocation blacklist.Store) *Issuer {
	return &Issuer{
		privateKey: privateKey,
		publicKey:  publicKey,
		issuer:     issuer,
		audience:   audience,
		policies:   policies,
		ceiling:    ceiling,
		revocation: revocation,
	}
}

// Issue mints a token for the request. It refuses suspended or revoked
// policies (ErrPolicyNotActive) and scopes outside the policy's allow matrix
// (ErrInvalidScope). TTLs above the tier ceiling are clamped, not rejected,
// and an issued token never outlives the policy's license window; a lapsed
// license refuses issuance outright.
func (i *Issuer) Issue(ctx context.Context, req IssueRequest) (*IssuedToken, error) {
	pol, err := i.policies.Get(ctx, req.PolicyID)
	if err != nil {
		return nil, err
	}
	if pol.Status != policydomain.PolicyStatusActive {
		return nil, ErrPolicyNotActive
	}
	if len(req.Scope) == 0 {
		return nil, ErrInvalidScope
	}
	scope := make([]string, 0, len(req.Scope))
	for _, a := range req.Scope {
		if !policydomain.ValidAction(a) || !pol.AllowsAction(a) {
			return nil, ErrInvalidScope
		}
		scope = append(scope, string(a))
	}

	now := time.Now().UTC()
	if pol.License.ExpiresAt != nil && !pol.License.ExpiresAt.After(now) {
		return nil, ErrPolicyNotActive
	}

	ttl := req.TTL
	if max := i.ceiling(string(pol.Tier)); ttl <= 0 || ttl > max {
		ttl = max
	}

	jti, err := generateJTI()
	if err != nil {
		return nil, err
	}
	expiresAt := now.Add(ttl)
	if pol.License.ExpiresAt != nil && expiresAt.After(*pol.License.ExpiresAt) {
		expiresAt = pol.License.ExpiresAt.UTC()
	}
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        jti,
			Subject:   req.PrincipalID,
			Issuer:    i.issuer,
			Audience:  jwt.ClaimStrings{i.audience},
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
		PolicyID:    pol.ID,
		KeyVersion:  pol.KeyVersionID,
		Scope:       scope,
		DeviceID:    req.DeviceID,
		IPAllowlist: req.IPAllowlist,
	}
	signed, err := i.sign(claims)
	if err != nil {
		return nil, err
	}
	if i.revocation != nil {
		if err := i.revocation.RegisterIssued(ctx, pol.ID, jti, expiresAt); err != nil {
			return nil, err
		}
	}
	return &IssuedToken{
		Token:        signed,
		JTI:          jti,
		ExpiresAt:    expiresAt,
		Permissions:  req.Scope,
		Restrictions: pol.Restrictions,
	}, nil
}

// Parse verifies the token's signature, expiry, issuer, and audience, and
// returns its claims. All failures collapse to ErrInvalidToken; a denial must
// not leak which part of the credential was wrong.
func (i *Issuer) Parse(tokenString string) (*Claims, error) {
	tok, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodRSA); ok {
			return i.publicKey, nil
		}
		if _, ok := token.Method.(*jwt.SigningMethodECDSA); ok {
			return i.publicKey, nil
		}
		return nil, ErrInvalidToken
	})
	if err != nil {
		return nil, ErrInvalidToken
	}
	claims, ok := tok.Claims.(*Claims)
	if !ok || !tok.Valid {
		return nil, ErrInvalidToken
	}
	if claims.Issuer != i.issuer {
		return nil, ErrInvalidToken
	}
	audOk := false
	for _, a := range claims.Audience {
		if a == i.audience {
			audOk = true
			break
		}
	}
	if !audOk {
		return nil, ErrInvalidToken
	}
	return claims, nil
}

func (i *Issuer) sign(claims jwt.Claims) (string, error) {
	var method jwt.SigningMethod
	switch i.privateKey.Public().(type) {
	case *rsa.PublicKey:
		method = jwt.SigningMethodRS256
	case *ecdsa.PublicKey:
		method = jwt.SigningMethodES256
	default:
		return "", ErrInvalidToken
	}
	t := jwt.NewWithClaims(method, claims)
	return t.SignedString(i.privateKey)
}

func generateJTI() (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}
