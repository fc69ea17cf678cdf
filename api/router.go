package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"scenereel/config"
)

// SetupRouter builds the gin engine and wraps it with CORS.
func SetupRouter(h *Handler, cfg *config.Config) http.Handler {
	r := gin.New()
	r.Use(gin.Recovery(), RequestLogger(h.logger))

	r.GET("/health", h.handleHealth)
	r.GET("/", h.handleRoot)
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	v1 := r.Group("/api/v1")
	{
		v1.POST("/analyze", h.handleAnalyze)

		v1.GET("/tasks", h.handleListTasks)
		v1.GET("/tasks/:taskId", h.handleGetTaskStatus)
		v1.GET("/tasks/:taskId/download", h.handleDownload)
		v1.DELETE("/tasks/:taskId", h.handleCleanup)

		v1.POST("/cleanup/:taskId", h.handleCleanup)
		v1.DELETE("/cleanup", h.handleCleanupAll)
	}

	origins := cfg.CORSOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	return cors.Handler(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"*"},
		ExposedHeaders: []string{"Content-Disposition"},
		MaxAge:         300, // Cache preflight response for 5 minutes
	})(r)
}
