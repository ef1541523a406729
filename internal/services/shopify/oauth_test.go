package shopify

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pixelrelay/internal/config"
	"pixelrelay/internal/logger"
)

func testOAuth() *OAuthService {
	return NewOAuthService(&config.Config{
		ShopifyAPIKey:    "api-key",
		ShopifyAPISecret: "hush",
		ShopifyScopes:    []string{"write_script_tags", "read_script_tags"},
		ShopCustomDomain: "shop.example.com",
	}, logger.Discard())
}

func TestValidShop(t *testing.T) {
	s := testOAuth()
	assert.True(t, s.ValidShop("example.myshopify.com"))
	assert.True(t, s.ValidShop("example"))
	assert.True(t, s.ValidShop("shop.example.com"))
	assert.False(t, s.ValidShop("evil.com"))
	assert.False(t, s.ValidShop("-bad.myshopify.com"))
}

func TestGenerateAuthURL(t *testing.T) {
	authURL, state, err := testOAuth().GenerateAuthURL("example", "https://relay.example.com/auth/callback")
	require.NoError(t, err)
	assert.Len(t, state, 64)

	u, err := url.Parse(authURL)
	require.NoError(t, err)
	assert.Equal(t, "example.myshopify.com", u.Host)
	assert.Equal(t, "/admin/oauth/authorize", u.Path)
	assert.Equal(t, "api-key", u.Query().Get("client_id"))
	assert.Equal(t, "write_script_tags,read_script_tags", u.Query().Get("scope"))
	assert.Equal(t, "https://relay.example.com/auth/callback", u.Query().Get("redirect_uri"))
	assert.Equal(t, state, u.Query().Get("state"))
}

func TestExchangeCodeForToken(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		assert.Equal(t, "/admin/oauth/access_token", r.URL.Path)
		assert.Equal(t, "api-key", r.PostForm.Get("client_id"))
		assert.Equal(t, "hush", r.PostForm.Get("client_secret"))
		if r.PostForm.Get("code") != "good" {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		w.Write([]byte(`{"access_token":"shpat_1","scope":"write_script_tags"}`))
	}))
	defer srv.Close()

	s := testOAuth()
	s.host = func(string) string { return srv.URL }

	tok, err := s.ExchangeCodeForToken(context.Background(), "example", "good")
	require.NoError(t, err)
	assert.Equal(t, "shpat_1", tok.AccessToken)

	_, err = s.ExchangeCodeForToken(context.Background(), "example", "bad")
	assert.Error(t, err)
}

func TestValidateQuery(t *testing.T) {
	q := url.Values{}
	q.Set("code", "abc")
	q.Set("shop", "example.myshopify.com")
	q.Set("state", "s1")
	q.Set("timestamp", "1700000000")

	mac := hmac.New(sha256.New, []byte("hush"))
	mac.Write([]byte("code=abc&shop=example.myshopify.com&state=s1&timestamp=1700000000"))
	q.Set("hmac", hex.EncodeToString(mac.Sum(nil)))

	s := testOAuth()
	assert.True(t, s.ValidateQuery(q))

	q.Set("shop", "other.myshopify.com")
	assert.False(t, s.ValidateQuery(q))

	q.Del("hmac")
	assert.False(t, s.ValidateQuery(q))
}

func TestValidateWebhook(t *testing.T) {
	payload := []byte(`{"id":1}`)
	mac := hmac.New(sha256.New, []byte("hush"))
	mac.Write(payload)
	sig := base64.StdEncoding.EncodeToString(mac.Sum(nil))

	s := testOAuth()
	assert.True(t, s.ValidateWebhook(payload, sig))
	assert.False(t, s.ValidateWebhook([]byte(`{"id":2}`), sig))
	assert.False(t, s.ValidateWebhook(payload, ""))
}
