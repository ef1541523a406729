package shopify

import (
	"context"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"sort"
	"strings"
	"time"

	"pixelrelay/internal/config"
	"pixelrelay/internal/logger"
)

var shopPattern = regexp.MustCompile(`^[a-z0-9][a-z0-9\-]*\.myshopify\.com$`)

type OAuthService struct {
	config     *config.Config
	logger     *logger.Logger
	httpClient *http.Client
	// host returns the scheme+host the token endpoint lives on
	host func(shop string) string
}

func NewOAuthService(cfg *config.Config, logger *logger.Logger) *OAuthService {
	return &OAuthService{
		config:     cfg,
		logger:     logger,
		httpClient: &http.Client{Timeout: 30 * time.Second},
		host:       func(shop string) string { return "https://" + shop },
	}
}

// ValidShop reports whether shop is a myshopify domain or the configured
// custom shop domain.
func (s *OAuthService) ValidShop(shop string) bool {
	shop = NormalizeShop(shop)
	if s.config.ShopCustomDomain != "" && shop == strings.ToLower(s.config.ShopCustomDomain) {
		return true
	}
	return shopPattern.MatchString(shop)
}

// GenerateAuthURL creates the Shopify OAuth authorization URL
func (s *OAuthService) GenerateAuthURL(shopDomain string, redirectURI string) (string, string, error) {
	// Generate a secure state parameter
	state, err := s.generateState()
	if err != nil {
		return "", "", fmt.Errorf("failed to generate state: %w", err)
	}

	q := url.Values{}
	q.Set("client_id", s.config.ShopifyAPIKey)
	q.Set("scope", strings.Join(s.config.ShopifyScopes, ","))
	q.Set("redirect_uri", redirectURI)
	q.Set("state", state)

	authURL := fmt.Sprintf("https://%s/admin/oauth/authorize?%s", NormalizeShop(shopDomain), q.Encode())
	return authURL, state, nil
}

// ExchangeCodeForToken exchanges the authorization code for an access token
func (s *OAuthService) ExchangeCodeForToken(ctx context.Context, shopDomain, code string) (*TokenResponse, error) {
	tokenURL := s.host(NormalizeShop(shopDomain)) + "/admin/oauth/access_token"

	data := url.Values{}
	data.Set("client_id", s.config.ShopifyAPIKey)
	data.Set("client_secret", s.config.ShopifyAPISecret)
	data.Set("code", code)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, tokenURL, strings.NewReader(data.Encode()))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to make request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return nil, fmt.Errorf("token exchange failed with status: %d - %s", resp.StatusCode, string(body))
	}

	var tokenResp TokenResponse
	if err := json.NewDecoder(resp.Body).Decode(&tokenResp); err != nil {
		return nil, fmt.Errorf("failed to parse token response: %w", err)
	}
	if tokenResp.AccessToken == "" {
		return nil, fmt.Errorf("token exchange returned no access token")
	}

	return &tokenResp, nil
}

// ValidateQuery checks the hmac parameter Shopify signs OAuth redirects with:
// hex HMAC-SHA256 over the remaining parameters, sorted, joined by '&'.
func (s *OAuthService) ValidateQuery(query url.Values) bool {
	signature := query.Get("hmac")
	if signature == "" {
		return false
	}

	keys := make([]string, 0, len(query))
	for k := range query {
		if k == "hmac" || k == "signature" {
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)

	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, k+"="+strings.Join(query[k], ","))
	}

	mac := hmac.New(sha256.New, []byte(s.config.ShopifyAPISecret))
	mac.Write([]byte(strings.Join(parts, "&")))
	expected := hex.EncodeToString(mac.Sum(nil))

	return hmac.Equal([]byte(expected), []byte(strings.ToLower(signature)))
}

// ValidateWebhook validates the X-Shopify-Hmac-Sha256 header: base64
// HMAC-SHA256 of the raw body.
func (s *OAuthService) ValidateWebhook(payload []byte, signature string) bool {
	if signature == "" || s.config.ShopifyAPISecret == "" {
		return false
	}
	mac := hmac.New(sha256.New, []byte(s.config.ShopifyAPISecret))
	mac.Write(payload)
	expected := base64.StdEncoding.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(expected), []byte(signature))
}

// generateState generates a cryptographically secure random state
func (s *OAuthService) generateState() (string, error) {
	bytes := make([]byte, 32)
	if _, err := rand.Read(bytes); err != nil {
		return "", err
	}
	return hex.EncodeToString(bytes), nil
}
