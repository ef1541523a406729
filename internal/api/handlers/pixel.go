package handlers

import (
	"errors"
	"io/fs"
	"net/http"
	"os"
	"strings"
	"text/template"

	"github.com/gin-gonic/gin"

	"pixelrelay/internal/config"
	"pixelrelay/internal/logger"
	"pixelrelay/internal/services/shopify"
	"pixelrelay/internal/tracking"
)

const pixelNotFoundJS = "console.error('Pixel script not found');"

var extensionTemplate = template.Must(template.New("extension").Parse(`register(({ analytics }) => {
  analytics.subscribe("all_standard_events", (event) => {
    const payload = {
      event: event.name,
      data: event.data,
      trackid: {{printf "%q" .TrackID}},
      shop_domain: {{printf "%q" .Shop}},
      timestamp: Date.now(),
    };
    fetch({{printf "%q" .CollectorURL}}, {
      method: "POST",
      headers: { "Content-Type": "application/json" },
      body: JSON.stringify(payload),
    }).catch((error) => console.error("[pixelrelay] send failed:", error));
  });
});
`))

type PixelHandler struct {
	config *config.Config
	logger *logger.Logger
}

func NewPixelHandler(cfg *config.Config, logger *logger.Logger) *PixelHandler {
	return &PixelHandler{config: cfg, logger: logger}
}

// Script serves the storefront pixel source. The file is read on every
// request so a redeployed asset is picked up without a restart.
func (h *PixelHandler) Script(c *gin.Context) {
	c.Header("Content-Type", "application/javascript")
	c.Header("Cache-Control", "no-cache")
	c.Header("Access-Control-Allow-Origin", "*")

	tid := c.Query(tracking.QueryParam)
	if !tracking.Valid(tid) {
		h.logger.Warn("pixel.js requested with unresolvable tid %q from %s", tid, c.ClientIP())
	}

	src, err := os.ReadFile(h.config.PixelPath)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			h.logger.Error("Pixel script not found at %s", h.config.PixelPath)
		} else {
			h.logger.Error("Failed to read pixel script: %v", err)
		}
		c.Data(http.StatusNotFound, "application/javascript", []byte(pixelNotFoundJS))
		return
	}

	c.Data(http.StatusOK, "application/javascript", src)
}

// Extension generates web pixel extension source for a shop with its
// extension tracking id inlined.
func (h *PixelHandler) Extension(c *gin.Context) {
	shop := shopify.NormalizeShop(c.Param("shop"))
	if _, ok := tracking.ShopDomain(tracking.ID(shop)); !ok {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid shop domain"})
		return
	}

	var b strings.Builder
	err := extensionTemplate.Execute(&b, struct {
		TrackID      string
		Shop         string
		CollectorURL string
	}{tracking.ExtensionID(shop), shop, h.config.CollectorURL})
	if err != nil {
		h.logger.Error("Failed to render extension for %s: %v", shop, err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to render extension"})
		return
	}

	c.Header("Cache-Control", "public, max-age=3600")
	c.Header("Access-Control-Allow-Origin", "*")
	c.Data(http.StatusOK, "application/javascript", []byte(b.String()))
}
