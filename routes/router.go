package routes

import (
	"github.com/julienschmidt/httprouter"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

func New(b Bridge, reg *prometheus.Registry, log *zap.SugaredLogger) *httprouter.Router {
	router := httprouter.New()
	router.GET("/state", State(b, log))
	router.PUT("/nodes/:id/:state", SetNode(b, log))
	router.POST("/discover", Discover(b, log))
	router.Handler("GET", "/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))

	return router
}
