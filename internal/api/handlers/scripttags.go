package handlers

import (
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	"pixelrelay/internal/lock"
	"pixelrelay/internal/services/shopify"
	"pixelrelay/internal/tracking"
)

// webPixelTitle identifies this app's web pixel extension.
const webPixelTitle = "ddkt"

func (h *ShopifyHandler) ListScriptTags(c *gin.Context) {
	shop, client, ok := h.shopClient(c)
	if !ok {
		return
	}

	tags, err := client.ListScriptTags(c.Request.Context())
	if err != nil {
		h.upstreamError(c, shop, err)
		return
	}

	relayTags := make([]shopify.ScriptTag, 0, 1)
	for _, tag := range tags {
		if tracking.IsRelayScript(h.config.ShopifyAppURL, tag.Src) {
			relayTags = append(relayTags, tag)
		}
	}

	c.JSON(http.StatusOK, gin.H{
		"shop":        shop,
		"tracking_id": tracking.ID(shop),
		"script_tags": tags,
		"relay":       relayTags,
		"relay_count": len(relayTags),
	})
}

func (h *ShopifyHandler) ReinstallScriptTag(c *gin.Context) {
	shop, client, ok := h.shopClient(c)
	if !ok {
		return
	}

	res, err := h.installer.Install(c.Request.Context(), shop, client)
	if err != nil {
		if errors.Is(err, lock.ErrLocked) {
			c.JSON(http.StatusConflict, gin.H{"error": "install already running for shop"})
			return
		}
		h.logger.Error("Reinstall failed for %s: %v", shop, err)
		c.JSON(http.StatusBadGateway, gin.H{"error": "installation failed, try again", "attempts": res.Attempts})
		return
	}

	c.JSON(http.StatusOK, res)
}

func (h *ShopifyHandler) ReconcileScriptTags(c *gin.Context) {
	shop, client, ok := h.shopClient(c)
	if !ok {
		return
	}

	res, err := h.installer.Reconcile(c.Request.Context(), shop, client)
	if err != nil {
		if errors.Is(err, lock.ErrLocked) {
			c.JSON(http.StatusConflict, gin.H{"error": "install already running for shop"})
			return
		}
		h.upstreamError(c, shop, err)
		return
	}

	c.JSON(http.StatusOK, res)
}

func (h *ShopifyHandler) DeleteScriptTag(c *gin.Context) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid script tag id"})
		return
	}

	shop, client, ok := h.shopClient(c)
	if !ok {
		return
	}

	if err := client.DeleteScriptTag(c.Request.Context(), id); err != nil {
		if errors.Is(err, shopify.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "script tag not found"})
			return
		}
		h.upstreamError(c, shop, err)
		return
	}

	h.logger.Info("Deleted script tag %d on %s", id, shop)
	c.JSON(http.StatusOK, gin.H{"deleted": id})
}

// WebPixels reports whether the web pixel extension is active on the shop.
func (h *ShopifyHandler) WebPixels(c *gin.Context) {
	shop, client, ok := h.shopClient(c)
	if !ok {
		return
	}

	pixels, err := client.ListWebPixels(c.Request.Context())
	if err != nil {
		h.upstreamError(c, shop, err)
		return
	}

	var ours *shopify.WebPixel
	for i := range pixels {
		if strings.Contains(strings.ToLower(pixels[i].Title), webPixelTitle) {
			ours = &pixels[i]
			break
		}
	}

	c.JSON(http.StatusOK, gin.H{
		"shop":        shop,
		"tracking_id": tracking.ExtensionID(shop),
		"web_pixels":  pixels,
		"installed":   ours != nil,
		"relay_pixel": ours,
	})
}

func (h *ShopifyHandler) ListInstallations(c *gin.Context) {
	shop := shopify.NormalizeShop(c.Param("shop"))
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "20"))

	rows, err := h.db.ListInstallations(c.Request.Context(), shop, limit)
	if err != nil {
		h.logger.Error("Failed to list installations: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to fetch installations"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"shop": shop, "installations": rows})
}

func (h *ShopifyHandler) upstreamError(c *gin.Context, shop string, err error) {
	h.logger.Error("Shopify call for %s failed: %v", shop, err)

	var apiErr *shopify.APIError
	if errors.As(err, &apiErr) && (apiErr.Status == http.StatusUnauthorized || apiErr.Status == http.StatusForbidden) {
		c.JSON(http.StatusBadGateway, gin.H{"error": "shop rejected the stored access token"})
		return
	}
	c.JSON(http.StatusBadGateway, gin.H{"error": "Shopify request failed"})
}
