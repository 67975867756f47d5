package auth

import (
	"crypto/rand"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"math/big"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

func TestDevToken(t *testing.T) {
	v := NewVerifier("", "", "")
	p, err := v.Verify("r1:Rider:c9")
	if err != nil {
		t.Fatal(err)
	}
	if p.RiderID != "r1" || p.Role != RoleRider || p.CampaignID != "c9" || !p.IsRider() {
		t.Fatalf("principal: %+v", p)
	}
	if _, err := v.Verify("garbage"); err == nil {
		t.Fatal("want error for malformed dev token")
	}
}

func TestHMACToken(t *testing.T) {
	v := NewVerifier("hmac", "s3cret", "")
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub":  "op-7",
		"role": "operator",
		"exp":  time.Now().Add(time.Hour).Unix(),
	})
	signed, err := tok.SignedString([]byte("s3cret"))
	if err != nil {
		t.Fatal(err)
	}
	p, err := v.Verify(signed)
	if err != nil {
		t.Fatal(err)
	}
	if p.RiderID != "op-7" || !p.CanObserve() || p.IsAdmin() {
		t.Fatalf("principal: %+v", p)
	}

	forged, _ := tok.SignedString([]byte("wrong"))
	if _, err := v.Verify(forged); err == nil {
		t.Fatal("want signature error")
	}
	expired := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{"sub": "r1", "exp": time.Now().Add(-time.Minute).Unix()})
	s, _ := expired.SignedString([]byte("s3cret"))
	if _, err := v.Verify(s); err == nil {
		t.Fatal("want expiry error")
	}
	noExp := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{"sub": "r1"})
	s, _ = noExp.SignedString([]byte("s3cret"))
	if _, err := v.Verify(s); err == nil {
		t.Fatal("want error for token without exp")
	}
}

func TestJWKSToken(t *testing.T) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatal(err)
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(jwks{Keys: []jwk{{
			Kty: "RSA",
			Kid: "k1",
			Alg: "RS256",
			N:   base64.RawURLEncoding.EncodeToString(key.N.Bytes()),
			E:   base64.RawURLEncoding.EncodeToString(big.NewInt(int64(key.E)).Bytes()),
		}}})
	}))
	defer srv.Close()

	v := NewVerifier("jwks", "", srv.URL)
	v.Issuer = "https://id.example"
	tok := jwt.NewWithClaims(jwt.SigningMethodRS256, jwt.MapClaims{
		"sub":         "r42",
		"campaign_id": "c1",
		"iss":         "https://id.example",
		"exp":         time.Now().Add(time.Hour).Unix(),
	})
	tok.Header["kid"] = "k1"
	signed, err := tok.SignedString(key)
	if err != nil {
		t.Fatal(err)
	}
	p, err := v.Verify(signed)
	if err != nil {
		t.Fatal(err)
	}
	if p.RiderID != "r42" || p.Role != RoleRider || p.CampaignID != "c1" {
		t.Fatalf("principal: %+v", p)
	}

	tok.Header["kid"] = "unknown"
	other, _ := tok.SignedString(key)
	if _, err := v.Verify(other); err == nil {
		t.Fatal("want error for unknown kid")
	}
}
