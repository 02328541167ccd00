// Package api is the HTTP side of the hub: the routes bound to actions
// plus read-only views of the dispatcher, the catalog and the journal.
package api

import (
	"fmt"
	"live-hub/contract"
	"live-hub/domain/action"
	"live-hub/runtime"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/samber/lo"
)

const (
	SessionHeader          = "X-Session-ID"
	DefaultResponseTimeout = 5 * time.Second
	// MaxBodySize matches the realtime frame limit.
	MaxBodySize            = 1 << 20
)

type Deps struct {
	Log             *slog.Logger
	Actions         *runtime.ActionRegistry
	Dispatcher      contract.IDispatcher
	Registry        contract.IRegistry
	Entities        contract.IEntityCatalog
	Journal         contract.IJournal
	Realtime        http.Handler
	Gatherer        prometheus.Gatherer
	ResponseTimeout time.Duration
	AllowedOrigins  []string
}

// NewRouter builds the gin engine. Optional dependencies left nil simply
// leave their routes out.
func NewRouter(deps Deps) (*gin.Engine, error) {
	if deps.ResponseTimeout <= 0 {
		deps.ResponseTimeout = DefaultResponseTimeout
	}
	h := &handlers{deps: deps}

	r := gin.New()
	r.Use(gin.Recovery(), requestLogger(deps.Log), cors.New(corsConfig(deps.AllowedOrigins)))

	if err := h.loadRoutes(r.Group("/api")); err != nil {
		return nil, err
	}

	api := r.Group("/api")
	{
		api.GET("/models", h.listModels)
		api.GET("/actions", h.listActions)
		api.GET("/status", h.status)
		if deps.Journal != nil {
			api.GET("/topics/:entityType/:id/events", h.topicEvents)
		}
	}

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "healthy"})
	})
	if deps.Gatherer != nil {
		r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(deps.Gatherer, promhttp.HandlerOpts{})))
	}
	if deps.Realtime != nil {
		r.GET("/ws", gin.WrapH(deps.Realtime))
	}
	return r, nil
}

// loadRoutes binds every action carrying an endpoint.
func (h *handlers) loadRoutes(group *gin.RouterGroup) error {
	seen := make(map[string]string)
	for _, def := range h.deps.Actions.Bound() {
		route := def.Endpoint.Method + " " + group.BasePath() + def.Endpoint.Path
		if other, ok := seen[route]; ok {
			return fmt.Errorf("%s is bound to both %s and %s", route, other, def.Type)
		}
		seen[route] = def.Type

		chain := append(append([]gin.HandlerFunc{}, def.Endpoint.Middleware...), h.bindAction(def))
		group.Handle(def.Endpoint.Method, def.Endpoint.Path, chain...)
		h.deps.Log.Debug("Action bound", "type", def.Type, "route", route)
	}
	return nil
}

func corsConfig(allowedOrigins []string) cors.Config {
	config := cors.DefaultConfig()
	if len(allowedOrigins) == 0 || lo.Contains(allowedOrigins, "*") {
		config.AllowAllOrigins = true
	} else {
		config.AllowOrigins = allowedOrigins
	}
	config.AddAllowHeaders(SessionHeader)
	return config
}

func requestLogger(log *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		log.Debug("HTTP request",
			"method", c.Request.Method,
			"path", c.FullPath(),
			"status", c.Writer.Status(),
			"duration", time.Since(start))
	}
}

type handlers struct {
	deps Deps
}

type modelView struct {
	Name    string   `json:"name"`
	Actions []string `json:"actions"`
}

type endpointView struct {
	Method string `json:"method"`
	Path   string `json:"path"`
}

type actionView struct {
	Type        string        `json:"type"`
	EntityType  string        `json:"entityType,omitempty"`
	Description string        `json:"description,omitempty"`
	Endpoint    *endpointView `json:"endpoint,omitempty"`
}

func toActionView(def action.Definition) actionView {
	view := actionView{Type: def.Type, EntityType: def.EntityType, Description: def.Description}
	if def.Endpoint != nil {
		view.Endpoint = &endpointView{Method: def.Endpoint.Method, Path: "/api" + def.Endpoint.Path}
	}
	return view
}
