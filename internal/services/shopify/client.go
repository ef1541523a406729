package shopify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"pixelrelay/internal/logger"
)

const DefaultAPIVersion = "2025-01"

var (
	ErrNotFound = errors.New("shopify: resource not found")
	// webPixelPaths are tried in order; the resource has moved between API versions.
	webPixelPaths = []string{"web_pixels.json", "web_pixel_extensions.json", "extensions.json"}
)

// APIError carries a non-2xx admin API response.
type APIError struct {
	Status int
	Body   string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("API request failed: %d - %s", e.Status, e.Body)
}

type Client struct {
	shopDomain  string
	accessToken string
	baseURL     string
	httpClient  *http.Client
	limiter     *rate.Limiter
	logger      *logger.Logger
}

// NewClient builds an admin REST client for shopDomain (with or without the
// .myshopify.com suffix).
func NewClient(shopDomain, accessToken, apiVersion string, logger *logger.Logger) *Client {
	if apiVersion == "" {
		apiVersion = DefaultAPIVersion
	}
	domain := NormalizeShop(shopDomain)
	return &Client{
		shopDomain:  domain,
		accessToken: accessToken,
		baseURL:     fmt.Sprintf("https://%s/admin/api/%s", domain, apiVersion),
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
		limiter: NewAdminLimiter(),
		logger:  logger,
	}
}

// WithBaseURL points the client somewhere other than the shop's admin host.
func (c *Client) WithBaseURL(baseURL string) *Client {
	c.baseURL = strings.TrimSuffix(baseURL, "/")
	return c
}

// WithLimiter makes the client share l with other clients for the same shop.
func (c *Client) WithLimiter(l *rate.Limiter) *Client {
	if l != nil {
		c.limiter = l
	}
	return c
}

// Limiter returns the bucket the client waits on before each call.
func (c *Client) Limiter() *rate.Limiter {
	return c.limiter
}

// ShopDomain returns the normalized shop domain.
func (c *Client) ShopDomain() string {
	return c.shopDomain
}

// ListScriptTags fetches every script tag registered for the shop
func (c *Client) ListScriptTags(ctx context.Context) ([]ScriptTag, error) {
	var resp ScriptTagsResponse
	if err := c.do(ctx, http.MethodGet, "script_tags.json", nil, &resp); err != nil {
		return nil, fmt.Errorf("listing script tags: %w", err)
	}
	return resp.ScriptTags, nil
}

// CreateScriptTag registers src to load on every storefront page
func (c *Client) CreateScriptTag(ctx context.Context, src string) (*ScriptTag, error) {
	payload := map[string]interface{}{
		"script_tag": map[string]interface{}{
			"event": "onload",
			"src":   src,
		},
	}

	var resp struct {
		ScriptTag ScriptTag `json:"script_tag"`
	}
	if err := c.do(ctx, http.MethodPost, "script_tags.json", payload, &resp); err != nil {
		return nil, fmt.Errorf("creating script tag: %w", err)
	}
	return &resp.ScriptTag, nil
}

// DeleteScriptTag removes a script tag by ID
func (c *Client) DeleteScriptTag(ctx context.Context, id int64) error {
	if err := c.do(ctx, http.MethodDelete, fmt.Sprintf("script_tags/%d.json", id), nil, nil); err != nil {
		return fmt.Errorf("deleting script tag %d: %w", id, err)
	}
	return nil
}

// GetShopInfo fetches shop information
func (c *Client) GetShopInfo(ctx context.Context) (*Shop, error) {
	var resp struct {
		Shop Shop `json:"shop"`
	}
	if err := c.do(ctx, http.MethodGet, "shop.json", nil, &resp); err != nil {
		return nil, fmt.Errorf("fetching shop: %w", err)
	}
	return &resp.Shop, nil
}

// ListWebPixels fetches web pixel records, falling back through the paths the
// resource has lived under.
func (c *Client) ListWebPixels(ctx context.Context) ([]WebPixel, error) {
	var lastErr error
	for _, path := range webPixelPaths {
		var resp struct {
			WebPixels []WebPixel `json:"web_pixels"`
		}
		err := c.do(ctx, http.MethodGet, path, nil, &resp)
		if err == nil {
			return resp.WebPixels, nil
		}
		c.logger.Debug("web pixels via %s failed: %v", path, err)
		lastErr = err
	}
	return nil, fmt.Errorf("listing web pixels: %w", lastErr)
}

func (c *Client) do(ctx context.Context, method, path string, payload, out interface{}) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limiter: %w", err)
	}

	var body io.Reader
	if payload != nil {
		jsonData, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("failed to marshal payload: %w", err)
		}
		body = bytes.NewReader(jsonData)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+"/"+path, body)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	// Add authentication header
	req.Header.Set("X-Shopify-Access-Token", c.accessToken)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	c.logger.Debug("shopify %s %s (%s)", method, path, c.shopDomain)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to make request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return ErrNotFound
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return &APIError{Status: resp.StatusCode, Body: string(raw)}
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

// NormalizeShop lowercases the domain and appends .myshopify.com to bare handles.
func NormalizeShop(shop string) string {
	shop = strings.ToLower(strings.TrimSpace(shop))
	shop = strings.TrimPrefix(shop, "https://")
	shop = strings.TrimPrefix(shop, "http://")
	shop = strings.TrimSuffix(shop, "/")
	if shop != "" && !strings.Contains(shop, ".") {
		shop += ".myshopify.com"
	}
	return shop
}
