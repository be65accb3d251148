package router

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/psds-microservice/helpy/paths"

	"github.com/psds-microservice/appeal-service/internal/handler"
)

const PathMetrics = "/metrics"

// New собирает служебный HTTP: health, ready, metrics.
func New(health *handler.HealthHandler) http.Handler {
	r := gin.New()
	r.Use(gin.Recovery())
	r.GET(paths.PathHealth, health.Health)
	r.GET(paths.PathReady, health.Ready)
	r.GET(PathMetrics, gin.WrapH(promhttp.Handler()))
	return r
}
