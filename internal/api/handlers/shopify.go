package handlers

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/gin-gonic/gin"

	"pixelrelay/internal/config"
	"pixelrelay/internal/database"
	"pixelrelay/internal/install"
	"pixelrelay/internal/logger"
	"pixelrelay/internal/models"
	"pixelrelay/internal/services/shopify"
)

const stateCookie = "pixelrelay_oauth_state"

// Authenticator covers the OAuth and HMAC checks the app needs.
type Authenticator interface {
	ValidShop(shop string) bool
	GenerateAuthURL(shopDomain, redirectURI string) (string, string, error)
	ExchangeCodeForToken(ctx context.Context, shopDomain, code string) (*shopify.TokenResponse, error)
	ValidateQuery(query url.Values) bool
	ValidateWebhook(payload []byte, signature string) bool
}

// ShopClient is the admin API surface used by install and the admin routes.
type ShopClient interface {
	install.ScriptTagAPI
	ListWebPixels(ctx context.Context) ([]shopify.WebPixel, error)
}

// ClientFactory builds an admin client for shop with its access token.
type ClientFactory func(shop, accessToken string) ShopClient

// NewClientFactory returns a factory for real admin API clients. Clients for
// the same shop share one rate limiter across requests.
func NewClientFactory(cfg *config.Config, logger *logger.Logger) ClientFactory {
	limiters := shopify.NewLimiterPool(cfg.PixelCacheSize)
	return func(shop, accessToken string) ShopClient {
		return shopify.NewClient(shop, accessToken, cfg.ShopifyVersion, logger).
			WithLimiter(limiters.For(shop))
	}
}

type ShopifyHandler struct {
	db        *database.Database
	logger    *logger.Logger
	config    *config.Config
	auth      Authenticator
	installer *install.Installer
	clients   ClientFactory
}

func NewShopifyHandler(db *database.Database, logger *logger.Logger, cfg *config.Config, auth Authenticator, installer *install.Installer, clients ClientFactory) *ShopifyHandler {
	return &ShopifyHandler{
		db:        db,
		logger:    logger,
		config:    cfg,
		auth:      auth,
		installer: installer,
		clients:   clients,
	}
}

// Install initiates the Shopify OAuth flow
func (h *ShopifyHandler) Install(c *gin.Context) {
	shop := shopify.NormalizeShop(c.Query("shop"))
	if shop == "" || !h.auth.ValidShop(shop) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "missing or invalid shop parameter"})
		return
	}

	authURL, state, err := h.auth.GenerateAuthURL(shop, h.config.ShopifyAppURL+"/auth/callback")
	if err != nil {
		h.logger.Error("Failed to generate auth URL: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to generate authorization URL"})
		return
	}

	secure := strings.HasPrefix(h.config.ShopifyAppURL, "https://")
	c.SetSameSite(http.SameSiteLaxMode)
	c.SetCookie(stateCookie, state, 600, "/auth", "", secure, true)
	c.Redirect(http.StatusFound, authURL)
}

// Callback completes OAuth, stores the session and (re)installs the relay
// script tag. A failed install fails the callback.
func (h *ShopifyHandler) Callback(c *gin.Context) {
	code := c.Query("code")
	state := c.Query("state")
	shop := shopify.NormalizeShop(c.Query("shop"))

	if code == "" || state == "" || shop == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Missing required parameters"})
		return
	}
	if !h.auth.ValidShop(shop) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid shop parameter"})
		return
	}
	if !h.auth.ValidateQuery(c.Request.URL.Query()) {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid hmac"})
		return
	}
	if cookie, err := c.Cookie(stateCookie); err != nil || cookie != state {
		c.JSON(http.StatusForbidden, gin.H{"error": "state mismatch"})
		return
	}
	c.SetCookie(stateCookie, "", -1, "/auth", "", false, true)

	// Exchange code for access token
	tokenResp, err := h.auth.ExchangeCodeForToken(c.Request.Context(), shop, code)
	if err != nil {
		h.logger.Error("Failed to exchange code for token: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to exchange authorization code"})
		return
	}

	session := &models.Session{Shop: shop, AccessToken: tokenResp.AccessToken, Scope: tokenResp.Scope}
	if err := h.db.SaveSession(c.Request.Context(), session); err != nil {
		h.logger.Error("Failed to save session: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to save session"})
		return
	}

	res, err := h.installer.Install(c.Request.Context(), shop, h.clients(shop, tokenResp.AccessToken))
	if err != nil {
		h.logger.Error("Relay install failed for %s: %v", shop, err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "installation failed, try again"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"message":       "Shopify store connected successfully",
		"shop":          shop,
		"tracking_id":   res.TrackingID,
		"script_src":    res.ScriptSrc,
		"script_tag_id": res.ScriptTag.ID,
	})
}

// AppUninstalled drops every stored session for the shop.
func (h *ShopifyHandler) AppUninstalled(c *gin.Context) {
	payload, err := io.ReadAll(io.LimitReader(c.Request.Body, 1<<20))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "failed to read body"})
		return
	}

	if !h.auth.ValidateWebhook(payload, c.GetHeader("X-Shopify-Hmac-Sha256")) {
		h.logger.Warn("Rejected webhook with bad signature from %s", c.ClientIP())
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid webhook signature"})
		return
	}

	shop := shopify.NormalizeShop(c.GetHeader("X-Shopify-Shop-Domain"))
	if shop == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "missing shop domain"})
		return
	}

	h.logger.Info("Received %s webhook for %s", c.GetHeader("X-Shopify-Topic"), shop)

	n, err := h.db.DeleteSessions(c.Request.Context(), shop)
	if err != nil {
		h.logger.Error("Failed to delete sessions for %s: %v", shop, err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to delete sessions"})
		return
	}
	if n == 0 {
		h.logger.Info("No session found for %s, already removed", shop)
	}

	c.JSON(http.StatusOK, gin.H{"status": "ok", "deleted": n})
}

// shopClient loads the stored session for the :shop param and builds a client.
func (h *ShopifyHandler) shopClient(c *gin.Context) (string, ShopClient, bool) {
	shop := shopify.NormalizeShop(c.Param("shop"))
	session, err := h.db.FindSession(c.Request.Context(), shop)
	if err != nil {
		if errors.Is(err, database.ErrNoSession) {
			c.JSON(http.StatusNotFound, gin.H{"error": "shop not installed"})
			return "", nil, false
		}
		h.logger.Error("Failed to load session for %s: %v", shop, err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load session"})
		return "", nil, false
	}
	return shop, h.clients(shop, session.AccessToken), true
}
