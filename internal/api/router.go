package api

import (
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/baseplate/timeseries/internal/api/handlers"
	"github.com/baseplate/timeseries/internal/api/middleware"
	"github.com/baseplate/timeseries/internal/core/timeseries"
	"github.com/baseplate/timeseries/internal/core/validation"
	"github.com/baseplate/timeseries/internal/metrics"
)

type Router struct {
	engine         *gin.Engine
	authMiddleware *middleware.AuthMiddleware
	notifyHandler  *handlers.NotifyHandler
	queryHandler   *handlers.QueryHandler
	deleteHandler  *handlers.DeleteHandler
	healthHandler  *handlers.HealthHandler
	gatherer       prometheus.Gatherer
	metrics        *metrics.Metrics
	log            zerolog.Logger
}

func NewRouter(
	service *timeseries.Service,
	validator *validation.Validator,
	jwtSecret string,
	gatherer prometheus.Gatherer,
	m *metrics.Metrics,
	log zerolog.Logger,
) *Router {
	return &Router{
		authMiddleware: middleware.NewAuthMiddleware(jwtSecret),
		notifyHandler:  handlers.NewNotifyHandler(service, validator),
		queryHandler:   handlers.NewQueryHandler(service),
		deleteHandler:  handlers.NewDeleteHandler(service),
		healthHandler:  handlers.NewHealthHandler(service),
		gatherer:       gatherer,
		metrics:        m,
		log:            log,
	}
}

func (r *Router) Setup(mode string) *gin.Engine {
	gin.SetMode(mode)
	r.engine = gin.New()
	r.engine.Use(gin.Recovery())
	r.engine.Use(middleware.RequestContext(r.log, r.metrics))

	r.setupRoutes()
	return r.engine
}

func (r *Router) setupRoutes() {
	r.engine.GET("/health", r.healthHandler.Health)
	r.engine.GET("/version", r.healthHandler.Version)
	if r.gatherer != nil {
		r.engine.GET("/metrics", gin.WrapH(promhttp.HandlerFor(r.gatherer, promhttp.HandlerOpts{})))
	}

	v2 := r.engine.Group("/v2")
	v2.Use(r.authMiddleware.Authenticate(), r.authMiddleware.RequireTenant())
	{
		v2.POST("/notify", r.notifyHandler.Notify)

		entities := v2.Group("/entities")
		{
			entities.GET("", r.queryHandler.ListEntities)
			entities.GET("/:entityId", r.queryHandler.Entity)
			entities.GET("/:entityId/attrs/:attrName", r.queryHandler.EntityAttr)
			entities.DELETE("/:entityId", r.deleteHandler.Entity)
		}

		types := v2.Group("/types")
		{
			types.GET("", r.queryHandler.EntityTypes)
			types.GET("/:entityType", r.queryHandler.Type)
			types.GET("/:entityType/attrs/:attrName", r.queryHandler.TypeAttr)
			types.GET("/:entityType/value", r.queryHandler.TypeValue)
			types.DELETE("/:entityType", r.deleteHandler.Type)
		}

		attrs := v2.Group("/attrs")
		{
			attrs.GET("", r.queryHandler.Attrs)
			attrs.GET("/:attrName", r.queryHandler.Attr)
		}
	}
}
