package server

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/loykin/proxyvisor/internal/configstore"
	"github.com/loykin/proxyvisor/internal/engine"
	"github.com/loykin/proxyvisor/internal/events"
	"github.com/loykin/proxyvisor/internal/metrics"
	"github.com/loykin/proxyvisor/internal/supervisor"
)

// Deps are the services the API exposes. Engine and Metrics are optional.
type Deps struct {
	Store      *configstore.Store
	Supervisor *supervisor.Supervisor
	Hub        *events.Hub
	// Engine enables GET /engine/version through the engine control API.
	Engine *engine.Client
	// Metrics is mounted at GET /metrics when set.
	Metrics http.Handler
	// Resources enables GET /engine/resources.
	Resources *metrics.EngineCollector
	// Token, when set, is required as "Authorization: Bearer <token>".
	Token  string
	Logger *slog.Logger
}

// Router provides the local control API.
// Endpoints (relative to basePath):
//
//	GET    /healthz
//	GET    /config                 current engine configuration as JSON
//	PUT    /config                 replace it (backup taken first)
//	PATCH  /config                 shallow merge; null removes a key
//	GET    /config/path
//	GET    /backups
//	POST   /backups                body: {"label": "..."} (optional)
//	POST   /backups/:id/restore
//	POST   /backups/:id/rename     body: {"label": "..."}
//	DELETE /backups/:id
//	GET    /engine/status
//	GET    /engine/version
//	GET    /engine/resources       CPU and memory samples of the engine
//	POST   /engine/start
//	POST   /engine/stop
//	POST   /engine/check           run one supervisor tick now
//	PUT    /engine/auto-restart    body: {"enabled": bool}
//	GET    /events                 server-sent events
//	GET    /metrics
//
// basePath may be empty or start with '/'; no trailing slash.
type Router struct {
	d        Deps
	logger   *slog.Logger
	basePath string
}

// NewRouter constructs a Router mounted under basePath.
func NewRouter(d Deps, basePath string) *Router {
	l := d.Logger
	if l == nil {
		l = slog.Default()
	}
	return &Router{d: d, logger: l.With("component", "api"), basePath: sanitizeBase(basePath)}
}

// Handler returns an http.Handler powered by gin that can be mounted in any server/mux.
func (r *Router) Handler() http.Handler {
	g := gin.New()
	g.Use(gin.Recovery(), r.requestLog())
	group := g.Group(r.basePath)
	group.GET("/healthz", func(c *gin.Context) { writeJSON(c, http.StatusOK, okResp{OK: true}) })

	api := group.Group("", tokenAuth(r.d.Token))
	api.GET("/config", r.handleGetConfig)
	api.PUT("/config", r.handlePutConfig)
	api.PATCH("/config", r.handlePatchConfig)
	api.GET("/config/path", r.handleConfigPath)

	api.GET("/backups", r.handleListBackups)
	api.POST("/backups", r.handleCreateBackup)
	api.POST("/backups/:id/restore", r.handleRestoreBackup)
	api.POST("/backups/:id/rename", r.handleRenameBackup)
	api.DELETE("/backups/:id", r.handleDeleteBackup)

	api.GET("/engine/status", r.handleEngineStatus)
	api.GET("/engine/version", r.handleEngineVersion)
	api.GET("/engine/resources", r.handleEngineResources)
	api.POST("/engine/start", r.handleEngineStart)
	api.POST("/engine/stop", r.handleEngineStop)
	api.POST("/engine/check", r.handleEngineCheck)
	api.PUT("/engine/auto-restart", r.handleAutoRestart)

	api.GET("/events", r.handleEvents)
	if r.d.Metrics != nil {
		api.GET("/metrics", gin.WrapH(r.d.Metrics))
	}
	return g
}

func (r *Router) requestLog() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		r.logger.Debug("request",
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"status", c.Writer.Status(),
			"duration", time.Since(start))
	}
}

// NewServer wraps h in an http.Server with the daemon's timeouts. The write
// timeout is left unset because /events streams indefinitely.
func NewServer(addr string, h http.Handler) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           h,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
}
