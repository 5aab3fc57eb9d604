package broker

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/kartverket/altinn3-file-transfer-proxy/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testKey(t *testing.T) (*rsa.PrivateKey, string) {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	pemBytes := pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(key)})
	return key, string(pemBytes)
}

func altinnToken(t *testing.T, exp time.Time) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{ExpiresAt: jwt.NewNumericDate(exp)})
	signed, err := token.SignedString([]byte("altinn"))
	require.NoError(t, err)
	return signed
}

func TestMaskinportenTokenSource_Token(t *testing.T) {
	key, keyPEM := testKey(t)
	issued := altinnToken(t, time.Now().Add(time.Hour))

	var grants, exchanges atomic.Int32
	mux := http.NewServeMux()
	mux.HandleFunc("/token", func(w http.ResponseWriter, r *http.Request) {
		grants.Add(1)
		require.NoError(t, r.ParseForm())
		assert.Equal(t, grantType, r.PostForm.Get("grant_type"))

		claims := &grantClaims{}
		parsed, err := jwt.ParseWithClaims(r.PostForm.Get("assertion"), claims, func(tok *jwt.Token) (interface{}, error) {
			return &key.PublicKey, nil
		})
		require.NoError(t, err)
		assert.True(t, parsed.Valid)
		assert.Equal(t, "kid-1", parsed.Header["kid"])
		assert.Equal(t, "client-id", claims.Issuer)
		assert.Equal(t, jwt.ClaimStrings{"https://test.maskinporten.no/"}, claims.Audience)
		assert.Equal(t, "altinn:broker.read", claims.Scope)
		assert.NotEmpty(t, claims.ID)

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"access_token":"mp-token","expires_in":120}`))
	})
	mux.HandleFunc("/exchange", func(w http.ResponseWriter, r *http.Request) {
		exchanges.Add(1)
		assert.Equal(t, "Bearer mp-token", r.Header.Get("Authorization"))
		_, _ = w.Write([]byte(`"` + issued + `"`))
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	source, err := NewMaskinportenTokenSource(config.Maskinporten{
		TokenURL:      srv.URL + "/token",
		ExchangeURL:   srv.URL + "/exchange",
		ClientID:      "client-id",
		KeyID:         "kid-1",
		Audience:      "https://test.maskinporten.no/",
		Scopes:        "altinn:broker.read",
		PrivateKeyPEM: keyPEM,
	}, srv.Client())
	require.NoError(t, err)

	token, err := source.Token(context.Background())
	require.NoError(t, err)
	assert.Equal(t, issued, token)

	again, err := source.Token(context.Background())
	require.NoError(t, err)
	assert.Equal(t, issued, again)
	assert.Equal(t, int32(1), grants.Load(), "cached token should be reused")
	assert.Equal(t, int32(1), exchanges.Load())

	// Inside the expiry margin a new token is fetched
	source.now = func() time.Time { return time.Now().Add(time.Hour - 10*time.Second) }
	_, err = source.Token(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int32(2), grants.Load())
}

func TestMaskinportenTokenSource_TokenEndpointFailure(t *testing.T) {
	_, keyPEM := testKey(t)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"error":"invalid_grant"}`))
	}))
	defer srv.Close()

	source, err := NewMaskinportenTokenSource(config.Maskinporten{
		TokenURL:      srv.URL,
		ExchangeURL:   srv.URL,
		PrivateKeyPEM: keyPEM,
	}, srv.Client())
	require.NoError(t, err)

	_, err = source.Token(context.Background())
	require.Error(t, err)
}

func TestNewMaskinportenTokenSource_InvalidKey(t *testing.T) {
	_, err := NewMaskinportenTokenSource(config.Maskinporten{PrivateKeyPEM: "not a key"}, nil)
	require.Error(t, err)
}
