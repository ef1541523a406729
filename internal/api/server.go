package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"pixelrelay/internal/api/handlers"
	"pixelrelay/internal/api/middleware"
	"pixelrelay/internal/config"
	"pixelrelay/internal/database"
	"pixelrelay/internal/install"
	"pixelrelay/internal/logger"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Deps are the collaborators the HTTP layer is wired to.
type Deps struct {
	DB        *database.Database
	Auth      handlers.Authenticator
	Installer *install.Installer
	Clients   handlers.ClientFactory
	Publisher handlers.Publisher
}

type Server struct {
	config *config.Config
	logger *logger.Logger
	db     *database.Database
	router *gin.Engine
	server *http.Server
}

func New(cfg *config.Config, logger *logger.Logger, deps Deps) *Server {
	// Set Gin mode
	if cfg.Env == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()

	// Middleware
	router.Use(middleware.Logger(logger, "/metrics", "/"))
	router.Use(middleware.Recovery(logger))
	router.Use(middleware.CORS())

	// Initialize handlers
	healthHandler := handlers.NewHealthHandler(deps.DB)
	pixelHandler := handlers.NewPixelHandler(cfg, logger)
	eventsHandler := handlers.NewEventsHandler(deps.Publisher, logger)
	shopifyHandler := handlers.NewShopifyHandler(deps.DB, logger, cfg, deps.Auth, deps.Installer, deps.Clients)

	// Health
	router.GET("/", healthHandler.Root)
	router.GET("/db-health", healthHandler.Database)
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	// Storefront
	router.GET("/pixel.js", pixelHandler.Script)
	router.GET("/pixel-extension/:shop", pixelHandler.Extension)
	router.GET("/produce", eventsHandler.Echo)
	router.POST("/produce", eventsHandler.Produce)
	router.GET("/logs", eventsHandler.Echo)
	router.POST("/logs", eventsHandler.Logs)

	// Shopify app lifecycle
	router.GET("/auth", shopifyHandler.Install)
	router.GET("/auth/callback", shopifyHandler.Callback)
	router.POST("/webhooks/app/uninstalled", shopifyHandler.AppUninstalled)

	// Admin
	v1 := router.Group("/api/v1", middleware.APIKey(cfg.AdminAPIKey))
	{
		shops := v1.Group("/shops/:shop")
		{
			shops.GET("/script-tags", shopifyHandler.ListScriptTags)
			shops.POST("/script-tags/reinstall", shopifyHandler.ReinstallScriptTag)
			shops.POST("/script-tags/reconcile", shopifyHandler.ReconcileScriptTags)
			shops.DELETE("/script-tags/:id", shopifyHandler.DeleteScriptTag)
			shops.GET("/web-pixels", shopifyHandler.WebPixels)
			shops.GET("/installations", shopifyHandler.ListInstallations)
		}
	}

	return &Server{
		config: cfg,
		logger: logger,
		db:     deps.DB,
		router: router,
	}
}

func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%s", s.config.APIHost, s.config.APIPort)

	s.server = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	s.logger.Info("Starting server on " + addr)
	return s.server.ListenAndServe()
}

func (s *Server) Stop(ctx context.Context) error {
	s.logger.Info("Shutting down server...")
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

// GetRouter returns the Gin router for Vercel
func (s *Server) GetRouter() *gin.Engine {
	return s.router
}
