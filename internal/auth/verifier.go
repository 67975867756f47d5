// Package auth provides bearer token verification.
package auth

import (
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Roles recognised by the API.
const (
	RoleRider    = "rider"
	RoleOperator = "operator"
	RoleAdmin    = "admin"
)

// Verifier validates bearer tokens and extracts rider/role/campaign claims.
// Supports modes: dev (no verify), hmac (HS256), jwks (RS256 from JWKS URL).
type Verifier struct {
	Mode          string
	HMACSecret    []byte
	JWKSURL       string
	Issuer        string
	Audience      string
	RiderClaim    string
	RoleClaim     string
	CampaignClaim string
	http          *http.Client
	mu            sync.RWMutex
	jwks          jwks
	lastFetch     time.Time
	cacheTTL      time.Duration
}

type jwks struct {
	Keys []jwk `json:"keys"`
}
type jwk struct {
	Kty string `json:"kty"`
	Kid string `json:"kid"`
	N   string `json:"n"`
	E   string `json:"e"`
	Alg string `json:"alg"`
}

// Principal is the authenticated actor of a request.
type Principal struct {
	RiderID    string
	Role       string
	CampaignID string
}

// IsRider reports whether the principal is a field rider.
func (p Principal) IsRider() bool { return p.Role == RoleRider }

// CanObserve reports whether the principal may read other riders' data.
func (p Principal) CanObserve() bool { return p.Role == RoleOperator || p.Role == RoleAdmin }

// IsAdmin reports whether the principal has the admin role.
func (p Principal) IsAdmin() bool { return p.Role == RoleAdmin }

// NewVerifier builds a verifier for mode; an empty mode means dev.
func NewVerifier(mode, hmacSecret, jwksURL string) *Verifier {
	mode = strings.ToLower(strings.TrimSpace(mode))
	if mode == "" {
		mode = "dev"
	}
	return &Verifier{
		Mode:          mode,
		HMACSecret:    []byte(hmacSecret),
		JWKSURL:       jwksURL,
		RiderClaim:    "sub",
		RoleClaim:     "role",
		CampaignClaim: "campaign_id",
		http:          &http.Client{Timeout: 5 * time.Second},
		cacheTTL:      10 * time.Minute,
	}
}

func (v *Verifier) Verify(token string) (Principal, error) {
	if v.Mode == "dev" {
		// token format: rider:role[:campaign]
		parts := strings.Split(token, ":")
		if len(parts) >= 2 && parts[0] != "" {
			p := Principal{RiderID: parts[0], Role: strings.ToLower(parts[1])}
			if len(parts) > 2 {
				p.CampaignID = parts[2]
			}
			return p, nil
		}
		return Principal{}, errors.New("invalid dev token; expected rider:role[:campaign]")
	}

	var keyFunc jwt.Keyfunc
	var methods []string
	switch v.Mode {
	case "hmac":
		methods = []string{"HS256"}
		keyFunc = func(*jwt.Token) (any, error) { return v.HMACSecret, nil }
	case "jwks":
		methods = []string{"RS256"}
		keyFunc = func(t *jwt.Token) (any, error) {
			kid, _ := t.Header["kid"].(string)
			return v.getRSAPublicKey(kid)
		}
	default:
		return Principal{}, errors.New("unsupported auth mode")
	}
	opts := []jwt.ParserOption{jwt.WithValidMethods(methods), jwt.WithExpirationRequired()}
	if v.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(v.Issuer))
	}
	if v.Audience != "" {
		opts = append(opts, jwt.WithAudience(v.Audience))
	}
	claims := jwt.MapClaims{}
	if _, err := jwt.ParseWithClaims(token, claims, keyFunc, opts...); err != nil {
		return Principal{}, fmt.Errorf("verify token: %w", err)
	}

	rider, _ := claims[v.RiderClaim].(string)
	role, _ := claims[v.RoleClaim].(string)
	campaign, _ := claims[v.CampaignClaim].(string)
	if rider == "" {
		return Principal{}, errors.New("missing subject claim")
	}
	if role == "" {
		role = RoleRider
	}
	return Principal{RiderID: rider, Role: strings.ToLower(role), CampaignID: campaign}, nil
}

// get RSAPublicKey from JWKS cache/fetch
func (v *Verifier) getRSAPublicKey(kid string) (*rsa.PublicKey, error) {
	v.mu.RLock()
	cached := v.jwks
	stale := time.Since(v.lastFetch) > v.cacheTTL
	v.mu.RUnlock()
	if len(cached.Keys) == 0 || stale {
		if err := v.fetchJWKS(); err != nil {
			return nil, err
		}
		v.mu.RLock()
		cached = v.jwks
		v.mu.RUnlock()
	}
	for _, k := range cached.Keys {
		if k.Kid == kid && strings.EqualFold(k.Kty, "RSA") {
			nBytes, err := base64.RawURLEncoding.DecodeString(k.N)
			if err != nil {
				return nil, err
			}
			eBytes, err := base64.RawURLEncoding.DecodeString(k.E)
			if err != nil {
				return nil, err
			}
			e := new(big.Int).SetBytes(eBytes)
			n := new(big.Int).SetBytes(nBytes)
			return &rsa.PublicKey{N: n, E: int(e.Int64())}, nil
		}
	}
	return nil, errors.New("kid not found in JWKS")
}

func (v *Verifier) fetchJWKS() error {
	if v.JWKSURL == "" {
		return errors.New("jwks url not set")
	}
	req, _ := http.NewRequest(http.MethodGet, v.JWKSURL, nil)
	resp, err := v.http.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("jwks fetch: status %d", resp.StatusCode)
	}
	var j jwks
	if err := json.NewDecoder(resp.Body).Decode(&j); err != nil {
		return err
	}
	v.mu.Lock()
	v.jwks = j
	v.lastFetch = time.Now()
	v.mu.Unlock()
	return nil
}
