// Package handler is the serverless entrypoint: one process-wide app built on
// first request and reused while the instance stays warm.
package handler

import (
	"context"
	"net/http"
	"sync"

	"pixelrelay/internal/app"
	"pixelrelay/internal/config"
	"pixelrelay/internal/logger"
)

var (
	initOnce sync.Once
	instance *app.App
	initErr  error
)

func build() {
	cfg, err := config.Load()
	if err != nil {
		initErr = err
		return
	}
	instance, initErr = app.Build(context.Background(), cfg, logger.New(cfg.LogLevel))
}

// Handler serves every route of the API.
func Handler(w http.ResponseWriter, r *http.Request) {
	initOnce.Do(build)
	if initErr != nil {
		http.Error(w, `{"error":"service not configured"}`, http.StatusServiceUnavailable)
		return
	}
	instance.Server.GetRouter().ServeHTTP(w, r)
}
