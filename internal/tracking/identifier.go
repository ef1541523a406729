// Package tracking derives the per-shop identifiers attached to relayed events
// and the relay script URLs registered against a shop.
package tracking

import (
	"encoding/base64"
	"net/url"
	"strings"
)

const (
	// ScriptPrefix tags identifiers carried by the script-tag pixel.
	ScriptPrefix = "spfy-"
	// ExtensionPrefix tags identifiers inlined into the web pixel extension.
	ExtensionPrefix = "spfyex-"

	// PixelPath is the route the relay script is served from.
	PixelPath = "/pixel.js"
	// QueryParam carries the identifier on the script URL.
	QueryParam = "tid"
)

// ID returns the tracking identifier for a shop domain: the base64 of the
// domain with padding stripped, behind ScriptPrefix.
func ID(shopDomain string) string {
	return ScriptPrefix + encode(shopDomain)
}

// ExtensionID is ID with the web pixel extension prefix.
func ExtensionID(shopDomain string) string {
	return ExtensionPrefix + encode(shopDomain)
}

// ShopDomain reverses ID or ExtensionID. ok is false for anything that was not
// produced by one of them.
func ShopDomain(trackingID string) (string, bool) {
	var raw string
	switch {
	case strings.HasPrefix(trackingID, ExtensionPrefix):
		raw = strings.TrimPrefix(trackingID, ExtensionPrefix)
	case strings.HasPrefix(trackingID, ScriptPrefix):
		raw = strings.TrimPrefix(trackingID, ScriptPrefix)
	default:
		return "", false
	}
	if raw == "" {
		return "", false
	}
	b, err := base64.RawStdEncoding.DecodeString(raw)
	if err != nil || !isDomain(string(b)) {
		return "", false
	}
	return string(b), true
}

// Valid reports whether id has a known prefix and decodes to a domain.
func Valid(id string) bool {
	_, ok := ShopDomain(id)
	return ok
}

// ScriptURL builds the relay script URL registered for a shop.
func ScriptURL(appURL, shopDomain string) string {
	q := url.Values{}
	q.Set(QueryParam, ID(shopDomain))
	return ScriptBase(appURL) + "?" + q.Encode()
}

// ScriptBase is the prefix every relay script URL of this app starts with.
func ScriptBase(appURL string) string {
	return strings.TrimSuffix(appURL, "/") + PixelPath
}

// IsRelayScript reports whether src was registered by this app.
func IsRelayScript(appURL, src string) bool {
	return src != "" && strings.HasPrefix(src, ScriptBase(appURL))
}

// FromScriptURL reads the identifier off a relay script URL.
func FromScriptURL(src string) (string, bool) {
	u, err := url.Parse(src)
	if err != nil {
		return "", false
	}
	tid := u.Query().Get(QueryParam)
	return tid, tid != ""
}

func isDomain(s string) bool {
	if !strings.Contains(s, ".") {
		return false
	}
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '.', r == '-':
		default:
			return false
		}
	}
	return true
}

func encode(shopDomain string) string {
	return base64.RawStdEncoding.EncodeToString([]byte(shopDomain))
}
