package broker

import (
	"context"
	"crypto/rsa"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/kartverket/altinn3-file-transfer-proxy/internal/config"
	"github.com/kartverket/altinn3-file-transfer-proxy/internal/models"
)

const (
	grantType        = "urn:ietf:params:oauth:grant-type:jwt-bearer"
	grantLifetime    = 120 * time.Second
	expiryMargin     = 30 * time.Second
	fallbackLifetime = time.Minute
)

type grantClaims struct {
	Scope string `json:"scope,omitempty"`
	jwt.RegisteredClaims
}

// MaskinportenTokenSource obtains Altinn tokens with a signed JWT grant
// against Maskinporten and exchanges the result at the Altinn
// authentication API. The Altinn token is cached until shortly before it
// expires.
type MaskinportenTokenSource struct {
	cfg        config.Maskinporten
	key        *rsa.PrivateKey
	httpClient *http.Client
	now        func() time.Time

	mu      sync.Mutex
	token   string
	expires time.Time
}

// NewMaskinportenTokenSource parses the PEM key in cfg
func NewMaskinportenTokenSource(cfg config.Maskinporten, httpClient *http.Client) (*MaskinportenTokenSource, error) {
	key, err := jwt.ParseRSAPrivateKeyFromPEM([]byte(cfg.PrivateKeyPEM))
	if err != nil {
		return nil, fmt.Errorf("failed to parse Maskinporten private key: %w", err)
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	return &MaskinportenTokenSource{
		cfg:        cfg,
		key:        key,
		httpClient: httpClient,
		now:        time.Now,
	}, nil
}

// Token returns a cached Altinn token or fetches a new one
func (s *MaskinportenTokenSource) Token(ctx context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.token != "" && s.now().Before(s.expires.Add(-expiryMargin)) {
		return s.token, nil
	}

	assertion, err := s.grant()
	if err != nil {
		return "", err
	}
	accessToken, err := s.maskinportenToken(ctx, assertion)
	if err != nil {
		return "", err
	}
	altinnToken, err := s.exchange(ctx, accessToken)
	if err != nil {
		return "", err
	}

	s.token = altinnToken
	s.expires = s.expiry(altinnToken)
	return s.token, nil
}

func (s *MaskinportenTokenSource) grant() (string, error) {
	now := s.now()
	claims := grantClaims{
		Scope: s.cfg.Scopes,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    s.cfg.ClientID,
			Audience:  jwt.ClaimStrings{s.cfg.Audience},
			ID:        uuid.NewString(),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(grantLifetime)),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	if s.cfg.KeyID != "" {
		token.Header["kid"] = s.cfg.KeyID
	}
	signed, err := token.SignedString(s.key)
	if err != nil {
		return "", fmt.Errorf("failed to sign Maskinporten grant: %w", err)
	}
	return signed, nil
}

func (s *MaskinportenTokenSource) maskinportenToken(ctx context.Context, assertion string) (string, error) {
	form := url.Values{}
	form.Set("grant_type", grantType)
	form.Set("assertion", assertion)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.cfg.TokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return "", fmt.Errorf("failed to build token request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	body, err := s.send(req)
	if err != nil {
		return "", fmt.Errorf("maskinporten token request failed: %w", err)
	}

	var resp struct {
		AccessToken string `json:"access_token"`
	}
	if err := json.Unmarshal(body, &resp); err != nil || resp.AccessToken == "" {
		return "", models.NewNonRetryableError("maskinporten_token", fmt.Errorf("no access_token in response"))
	}
	return resp.AccessToken, nil
}

func (s *MaskinportenTokenSource) exchange(ctx context.Context, accessToken string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.cfg.ExchangeURL, nil)
	if err != nil {
		return "", fmt.Errorf("failed to build exchange request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)

	body, err := s.send(req)
	if err != nil {
		return "", fmt.Errorf("altinn token exchange failed: %w", err)
	}
	token := strings.Trim(strings.TrimSpace(string(body)), `"`)
	if token == "" {
		return "", models.NewNonRetryableError("token_exchange", fmt.Errorf("empty token"))
	}
	return token, nil
}

func (s *MaskinportenTokenSource) send(req *http.Request) ([]byte, error) {
	resp, err := s.httpClient.Do(req)
	if err != nil {
		return nil, models.NewRetryableError("network", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, models.NewRetryableError("read_body", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, classify(resp.StatusCode, body)
	}
	return body, nil
}

// expiry reads exp from the token without verifying it; the token is
// only passed on to Altinn.
func (s *MaskinportenTokenSource) expiry(token string) time.Time {
	claims := jwt.RegisteredClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, &claims); err == nil && claims.ExpiresAt != nil {
		return claims.ExpiresAt.Time
	}
	return s.now().Add(fallbackLifetime)
}
