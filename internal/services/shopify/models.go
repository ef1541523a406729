package shopify

import (
	"time"
)

// ScriptTag is a storefront script registration
type ScriptTag struct {
	ID           int64     `json:"id"`
	Event        string    `json:"event"`
	Src          string    `json:"src"`
	DisplayScope string    `json:"display_scope,omitempty"`
	Cache        bool      `json:"cache,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// ScriptTagsResponse represents the response from the script tags API
type ScriptTagsResponse struct {
	ScriptTags []ScriptTag `json:"script_tags"`
}

// WebPixel is a web pixel extension record as returned by the admin API
type WebPixel struct {
	ID        int64      `json:"id"`
	Title     string     `json:"title"`
	Status    string     `json:"status"`
	Settings  string     `json:"settings,omitempty"`
	CreatedAt *time.Time `json:"created_at"`
	UpdatedAt *time.Time `json:"updated_at"`
}

// Shop represents shop information
type Shop struct {
	ID              int64     `json:"id"`
	Name            string    `json:"name"`
	Email           string    `json:"email"`
	Domain          string    `json:"domain"`
	MyshopifyDomain string    `json:"myshopify_domain"`
	Currency        string    `json:"currency"`
	IanaTimezone    string    `json:"iana_timezone"`
	PlanName        string    `json:"plan_name"`
	HasStorefront   bool      `json:"has_storefront"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
}

// TokenResponse is the OAuth access token exchange result
type TokenResponse struct {
	AccessToken string `json:"access_token"`
	Scope       string `json:"scope"`
}
