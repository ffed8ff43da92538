// Package api serves the observation, sync, media, preset and style
// endpoints over HTTP.
package api

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/wagnerlima/mapeo-server/internal/apierr"
	"github.com/wagnerlima/mapeo-server/internal/observation"
	"github.com/wagnerlima/mapeo-server/internal/storage"
	"github.com/wagnerlima/mapeo-server/internal/syncer"
	"github.com/wagnerlima/mapeo-server/internal/telemetry"
)

// Server holds the dependencies of the HTTP handlers.
type Server struct {
	Observations *observation.Service
	Sync         *syncer.Orchestrator
	Media        *storage.MediaStore
	StaticRoot   string
	Log          zerolog.Logger
}

// Router builds the gin engine with every route registered.
func (s *Server) Router() *gin.Engine {
	telemetry.RegisterMetrics()
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(RequestLogger(s.Log))
	r.Use(RequestMetrics())
	r.Use(cors.New(cors.Config{
		AllowAllOrigins: true,
		AllowMethods:    []string{"GET", "POST", "PUT", "DELETE"},
		AllowHeaders:    []string{"Authorization", "Content-Type", "If-Match", "If-Modified-Since", "If-None-Match", "If-Unmodified-Since"},
		MaxAge:          12 * time.Hour,
	}))

	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	r.GET("/observations", s.listObservations)
	r.POST("/observations", s.createObservation)
	r.GET("/observations/:id", s.getObservation)
	r.PUT("/observations/:id", s.updateObservation)
	r.DELETE("/observations/:id", s.deleteObservation)
	r.PUT("/observations/to-element/:id", s.convertObservation)

	r.GET("/sync/announce", s.syncAnnounce)
	r.GET("/sync/unannounce", s.syncUnannounce)
	r.GET("/sync/targets", s.syncTargets)
	r.GET("/sync/status", s.syncStatus)
	r.GET("/sync/start", s.syncStart)

	r.GET("/media/:type/:id", s.mediaGet)
	r.PUT("/media", s.mediaPut)

	r.GET("/presets", s.presetsList)
	r.GET("/presets/*filepath", s.presetsGet)
	r.GET("/styles", s.stylesList)
	r.GET("/styles/:id/*filepath", s.stylesGet)

	r.NoRoute(func(c *gin.Context) {
		c.String(http.StatusNotFound, "not found\n")
	})
	return r
}

type errorBody struct {
	Error   apierr.Code `json:"error"`
	Message string      `json:"message"`
}

// abortWithError writes the structured error body for err and logs it.
func (s *Server) abortWithError(c *gin.Context, err error) {
	code := apierr.CodeOf(err)
	status := code.HTTPStatus()

	event := s.Log.Warn()
	if status >= http.StatusInternalServerError {
		event = s.Log.Error()
	}
	var cause error
	var ae *apierr.Error
	if errors.As(err, &ae) && ae.Cause != nil {
		cause = ae.Cause
	}
	event.Err(err).AnErr("cause", cause).Str("code", string(code)).
		Str("method", c.Request.Method).Str("path", c.Request.URL.Path).Msg("request failed")

	c.AbortWithStatusJSON(status, errorBody{Error: code, Message: err.Error()})
}
