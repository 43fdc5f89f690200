package obr

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"math/big"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"git.sr.ht/~aondrejcak/finpulse-api/models"
)

func hs256Token(t *testing.T, exp time.Time) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": "vbank",
		"exp": exp.Unix(),
	})
	signed, err := token.SignedString([]byte("shared"))
	require.NoError(t, err)
	return signed
}

func rs256Token(t *testing.T, key *rsa.PrivateKey, kid string, exp time.Time) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodRS256, jwt.MapClaims{
		"sub": "vbank",
		"exp": exp.Unix(),
	})
	token.Header["kid"] = kid
	signed, err := token.SignedString(key)
	require.NoError(t, err)
	return signed
}

func jwksDocument(key *rsa.PrivateKey, kid string) []byte {
	pub := key.Public().(*rsa.PublicKey)
	doc := map[string]any{
		"keys": []map[string]any{{
			"kty": "RSA",
			"use": "sig",
			"alg": "RS256",
			"kid": kid,
			"n":   base64.RawURLEncoding.EncodeToString(pub.N.Bytes()),
			"e":   base64.RawURLEncoding.EncodeToString(big.NewInt(int64(pub.E)).Bytes()),
		}},
	}
	raw, _ := json.Marshal(doc)
	return raw
}

// tokenBank fakes the grant endpoint plus the JWKS document.
func tokenBank(t *testing.T, issue func() string, jwks []byte) (*httptest.Server, *int) {
	t.Helper()
	grants := 0
	mux := http.NewServeMux()
	mux.HandleFunc("/auth/bank-token", func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "team-42", r.URL.Query().Get("client_id"))
		require.Equal(t, "s3cret", r.URL.Query().Get("client_secret"))
		grants++
		_ = json.NewEncoder(w).Encode(map[string]any{"access_token": issue()})
	})
	mux.HandleFunc("/.well-known/jwks.json", func(w http.ResponseWriter, r *http.Request) {
		if jwks == nil {
			http.NotFound(w, r)
			return
		}
		_, _ = w.Write(jwks)
	})
	return httptest.NewServer(mux), &grants
}

func TestTokenReusedWhileComfortablyFresh(t *testing.T) {
	srv, grants := tokenBank(t, func() string { return "" }, nil)
	defer srv.Close()

	c, store := newTestClient(t, srv.URL)

	base := time.Now()
	c.now = func() time.Time { return base }

	require.NoError(t, store.Put(&models.BankToken{
		BankID:      "vbank",
		AccessToken: "fresh",
		ExpiresAt:   base.Add(120 * time.Second),
	}))

	got, err := c.Token(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "fresh", got)
	assert.Equal(t, 0, *grants)
}

func TestTokenRefreshedInsideExpiryMargin(t *testing.T) {
	exp := time.Now().Add(time.Hour)
	srv, grants := tokenBank(t, func() string { return hs256Token(t, exp) }, nil)
	defer srv.Close()

	c, store := newTestClient(t, srv.URL)

	base := time.Now()
	c.now = func() time.Time { return base }

	// 30s left is inside the 60s margin
	require.NoError(t, store.Put(&models.BankToken{
		BankID:      "vbank",
		AccessToken: "stale",
		ExpiresAt:   base.Add(30 * time.Second),
	}))

	got, err := c.Token(context.Background())
	require.NoError(t, err)
	assert.NotEqual(t, "stale", got)
	assert.Equal(t, 1, *grants)

	cached, _ := store.Get("vbank")
	require.NotNil(t, cached)
	assert.WithinDuration(t, exp, cached.ExpiresAt, time.Second)
}

func TestTokenNonRSAAlgorithmSkipsVerification(t *testing.T) {
	exp := time.Now().Add(time.Hour)
	srv, grants := tokenBank(t, func() string { return hs256Token(t, exp) }, nil)
	defer srv.Close()

	c, _ := newTestClient(t, srv.URL)

	got, err := c.Token(context.Background())
	require.NoError(t, err)
	assert.NotEmpty(t, got)
	assert.Equal(t, 1, *grants)
}

func TestTokenRSASignatureVerifiedAgainstJWKS(t *testing.T) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	exp := time.Now().Add(time.Hour)
	srv, _ := tokenBank(t, func() string { return rs256Token(t, key, "k1", exp) }, jwksDocument(key, "k1"))
	defer srv.Close()

	c, store := newTestClient(t, srv.URL)

	got, err := c.Token(context.Background())
	require.NoError(t, err)
	assert.NotEmpty(t, got)

	cached, _ := store.Get("vbank")
	require.NotNil(t, cached)
	assert.WithinDuration(t, exp, cached.ExpiresAt, time.Second)
}

func TestTokenRSASignatureFromUnknownKeyRejected(t *testing.T) {
	signingKey, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	publishedKey, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	exp := time.Now().Add(time.Hour)
	srv, _ := tokenBank(t,
		func() string { return rs256Token(t, signingKey, "k1", exp) },
		jwksDocument(publishedKey, "k1"))
	defer srv.Close()

	c, _ := newTestClient(t, srv.URL)

	_, err = c.Token(context.Background())
	require.Error(t, err)

	var sigErr *SignatureValidationError
	assert.ErrorAs(t, err, &sigErr)
}

func TestTokenMalformedJWTRejected(t *testing.T) {
	srv, _ := tokenBank(t, func() string { return "not-a-jwt" }, nil)
	defer srv.Close()

	c, _ := newTestClient(t, srv.URL)

	_, err := c.Token(context.Background())
	require.Error(t, err)

	var sigErr *SignatureValidationError
	assert.ErrorAs(t, err, &sigErr)
}

func TestTokenGrantWithoutAccessTokenIsProtocolViolation(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/auth/bank-token", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"ok": true}`)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	c, _ := newTestClient(t, srv.URL)

	_, err := c.Token(context.Background())
	require.Error(t, err)

	var pvErr *ProtocolViolationError
	assert.ErrorAs(t, err, &pvErr)
}
