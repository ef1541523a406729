package handlers

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pixelrelay/internal/config"
	"pixelrelay/internal/logger"
	"pixelrelay/internal/services/shopify"
)

func TestClientFactory_SharesLimiterPerShop(t *testing.T) {
	clients := NewClientFactory(&config.Config{PixelCacheSize: 8}, logger.Discard())

	first, ok := clients("example", "shpat_1").(*shopify.Client)
	require.True(t, ok)
	second := clients("example.myshopify.com", "shpat_2").(*shopify.Client)
	other := clients("other.myshopify.com", "shpat_3").(*shopify.Client)

	assert.Same(t, first.Limiter(), second.Limiter())
	assert.NotSame(t, first.Limiter(), other.Limiter())
}
