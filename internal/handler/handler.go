// Package handler exposes the attendance sync API over gin.
package handler

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"pemss/internal/attendance"
	"pemss/internal/auth"
	"pemss/internal/catalog"
	"pemss/internal/history"
	"pemss/internal/httpmiddleware"
	"pemss/internal/metrics"
	"pemss/internal/model"
	"pemss/internal/reconcile"
	"pemss/internal/records"
)

// Handler serves the /v1 routes.
type Handler struct {
	records   *records.Store
	catalog   *catalog.Fetcher
	history   *history.Service
	engine    *reconcile.Engine
	sessions  *attendance.Service
	log       *zap.Logger
	heartbeat time.Duration
}

// Deps are the services a Handler calls.
type Deps struct {
	Records  *records.Store
	Catalog  *catalog.Fetcher
	History  *history.Service
	Engine   *reconcile.Engine
	Sessions *attendance.Service
	Logger   *zap.Logger
	// Heartbeat is the SSE keep-alive interval. Defaults to 25s.
	Heartbeat time.Duration
}

func New(d Deps) *Handler {
	if d.Logger == nil {
		d.Logger = zap.NewNop()
	}
	if d.Heartbeat <= 0 {
		d.Heartbeat = 25 * time.Second
	}
	return &Handler{
		records:   d.Records,
		catalog:   d.Catalog,
		history:   d.History,
		engine:    d.Engine,
		sessions:  d.Sessions,
		log:       d.Logger,
		heartbeat: d.Heartbeat,
	}
}

// RouterOptions configure the middleware chain around the handler.
type RouterOptions struct {
	Verifier        auth.Verifier
	Logger          *zap.Logger
	Metrics         metrics.Recorder
	Gatherer        prometheus.Gatherer
	RateLimitPerMin int
	CORSOrigins     []string
	// Health reports dependency health for /healthz.
	Health func(ctx context.Context) map[string]bool
	// IssueToken, when set, enables POST /dev/token for local testing.
	IssueToken func(p auth.Principal) (string, time.Time, error)
}

// NewRouter builds the gin engine with every route registered.
func NewRouter(h *Handler, opts RouterOptions) *gin.Engine {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if len(opts.CORSOrigins) == 0 {
		opts.CORSOrigins = []string{"*"}
	}

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(httpmiddleware.RequestID())
	r.Use(httpmiddleware.AccessLog(opts.Logger, opts.Metrics, "/healthz", "/metrics"))
	r.Use(cors.New(cors.Config{
		AllowOrigins:     opts.CORSOrigins,
		AllowMethods:     []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Accept", "Authorization", httpmiddleware.RequestIDHeader},
		ExposeHeaders:    []string{httpmiddleware.RequestIDHeader},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}))
	r.Use(httpmiddleware.SecurityHeaders())

	if opts.Gatherer != nil {
		r.GET("/metrics", gin.WrapH(metrics.Handler(opts.Gatherer)))
	}
	r.GET("/healthz", func(c *gin.Context) {
		status := http.StatusOK
		body := gin.H{"status": "ok"}
		if opts.Health != nil {
			for name, ok := range opts.Health(c.Request.Context()) {
				body[name] = ok
				if !ok {
					status = http.StatusServiceUnavailable
					body["status"] = "degraded"
				}
			}
		}
		c.JSON(status, body)
	})
	if opts.IssueToken != nil {
		r.POST("/dev/token", devToken(opts.IssueToken))
	}

	limiter := httpmiddleware.NewLimiter(opts.RateLimitPerMin, func(c *gin.Context) string {
		if p, ok := auth.PrincipalFrom(c); ok {
			return "uid:" + p.UID
		}
		return httpmiddleware.ClientIP(c)
	})
	v1 := r.Group("/v1", auth.Authenticate(opts.Verifier), limiter.GinMiddleware())
	h.Register(v1)
	return r
}

// Register adds the /v1 routes to g. g must already authenticate.
func (h *Handler) Register(g *gin.RouterGroup) {
	me := g.Group("/me")
	me.GET("/history", h.getHistory)
	me.GET("/records", h.getRecords)
	me.POST("/records/merge", h.mergeRecords)
	me.GET("/live", h.live)

	g.POST("/catalog/resolve", h.resolveCatalog)

	staff := auth.RequireRole(auth.RoleTeacher, auth.RoleRegistrar, auth.RoleAdmin)
	g.GET("/sessions", staff, h.listSessions)
	g.POST("/sessions", staff, h.createSession)
	g.POST("/sessions/:id/checkin", h.checkIn)
	g.POST("/sessions/:id/close", staff, h.closeSession)
	g.DELETE("/sessions/:id", auth.RequireRole(auth.RoleAdmin), h.deleteSession)
}

func devToken(issue func(auth.Principal) (string, time.Time, error)) gin.HandlerFunc {
	return func(c *gin.Context) {
		var p auth.Principal
		if err := c.ShouldBindJSON(&p); err != nil || p.UID == "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "uid required"})
			return
		}
		token, exp, err := issue(p)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "token issue failed"})
			return
		}
		c.JSON(http.StatusCreated, gin.H{"access_token": token, "expires_at": exp.Unix()})
	}
}

// fail maps err to a status code. Store failures are retryable.
func (h *Handler) fail(c *gin.Context, err error) {
	var verr *model.ValidationError
	switch {
	case errors.As(err, &verr):
		c.JSON(http.StatusBadRequest, gin.H{"error": verr.Error(), "field": verr.Field})
	case errors.Is(err, model.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
	case errors.Is(err, model.ErrForbidden):
		c.JSON(http.StatusForbidden, gin.H{"error": err.Error()})
	case errors.Is(err, attendance.ErrInvalidCode):
		c.JSON(http.StatusForbidden, gin.H{"error": err.Error()})
	case errors.Is(err, attendance.ErrSessionClosed), errors.Is(err, attendance.ErrSessionExpired):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	case errors.Is(err, attendance.ErrBusy), model.IsFetch(err), model.IsPersist(err):
		h.log.Error("store unavailable", zap.String("path", c.FullPath()), zap.Error(err))
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "temporarily unavailable", "retryable": true})
	default:
		h.log.Error("request failed", zap.String("path", c.FullPath()), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
	}
}

func principal(c *gin.Context) auth.Principal {
	p, _ := auth.PrincipalFrom(c)
	return p
}
