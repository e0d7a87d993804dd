// Package admin is the operator HTTP surface: health, task status, manual
// task runs and prometheus metrics.
package admin

import (
	"context"
	"errors"
	"net/http"
	"net/http/pprof"
	"strings"
	"time"

	"dispatchd/internal/lifecycle"
	"dispatchd/internal/notifier"
	"dispatchd/internal/storage"
	logx "dispatchd/pkg/logx"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

const requestIDKey = "request_id"

type Tasks interface {
	Status() []lifecycle.TaskStatus
	Trigger(ctx context.Context, name string) (lifecycle.TickReport, error)
}

type Store interface {
	Ping(ctx context.Context) error
	AppendAudit(ctx context.Context, e storage.AuditEntry) error
}

type NotifierStats interface {
	Stats() notifier.Stats
}

// Deps are the components the router reads from. Nil members turn the
// matching endpoint into a 503 (or, for Metrics, leave it unmounted).
type Deps struct {
	Tasks    Tasks
	Store    Store
	Notifier NotifierStats
	Metrics  http.Handler
	Log      logx.Logger
}

type Options struct {
	Token string
	Pprof bool
	// RunTimeout bounds a manual run. 0 means 2m.
	RunTimeout time.Duration
}

type handlers struct {
	d   Deps
	opt Options
}

// NewRouter builds the gin engine. /healthz and /metrics stay open so probes
// and scrapers work without credentials; /admin and /debug need the token.
func NewRouter(d Deps, opt Options) *gin.Engine {
	if d.Log.IsZero() {
		d.Log = logx.Nop()
	}
	if opt.RunTimeout <= 0 {
		opt.RunTimeout = 2 * time.Minute
	}
	h := &handlers{d: d, opt: opt}

	r := gin.New()
	r.Use(requestID(), accessLog(d.Log), gin.CustomRecovery(func(c *gin.Context, rec any) {
		d.Log.Error("admin handler panic", logx.String("path", c.Request.URL.Path), logx.Any("panic", rec))
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
	}))

	r.GET("/healthz", h.health)
	if d.Metrics != nil {
		r.GET("/metrics", gin.WrapH(d.Metrics))
	}

	adm := r.Group("/admin", bearer(opt.Token))
	adm.GET("/tasks", h.tasks)
	adm.POST("/tasks/:name/run", h.run)

	if opt.Pprof {
		dbg := r.Group("/debug/pprof", bearer(opt.Token))
		dbg.GET("/", gin.WrapF(pprof.Index))
		dbg.GET("/cmdline", gin.WrapF(pprof.Cmdline))
		dbg.GET("/profile", gin.WrapF(pprof.Profile))
		dbg.GET("/symbol", gin.WrapF(pprof.Symbol))
		dbg.GET("/trace", gin.WrapF(pprof.Trace))
		dbg.GET("/:profile", func(c *gin.Context) {
			pprof.Handler(c.Param("profile")).ServeHTTP(c.Writer, c.Request)
		})
	}
	return r
}

func (h *handlers) health(c *gin.Context) {
	if h.d.Store == nil {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "storage": "disabled"})
		return
	}
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()
	if err := h.d.Store.Ping(ctx); err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "degraded", "storage": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok", "storage": "ok"})
}

func (h *handlers) tasks(c *gin.Context) {
	if h.d.Tasks == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "lifecycle not running"})
		return
	}
	out := gin.H{"tasks": h.d.Tasks.Status()}
	if h.d.Notifier != nil {
		out["notifier"] = h.d.Notifier.Stats()
	}
	c.JSON(http.StatusOK, out)
}

func (h *handlers) run(c *gin.Context) {
	if h.d.Tasks == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "lifecycle not running"})
		return
	}
	name := c.Param("name")
	ctx, cancel := context.WithTimeout(c.Request.Context(), h.opt.RunTimeout)
	defer cancel()

	begin := time.Now()
	rep, err := h.d.Tasks.Trigger(ctx, name)
	took := time.Since(begin)

	if errors.Is(err, lifecycle.ErrUnknownTask) {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error(), "tasks": lifecycle.TaskNames})
		return
	}
	h.audit(c, name, rep, err, took)

	log := h.d.Log.With(logx.String("task", name), logx.String("request_id", c.GetString(requestIDKey)))
	if err != nil {
		log.Warn("manual run failed", logx.Err(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error(), "report": rep})
		return
	}
	log.Info("manual run finished", logx.Int("found", rep.Found), logx.Int("ok", rep.Succeeded))
	c.JSON(http.StatusOK, gin.H{"report": rep})
}

func (h *handlers) audit(c *gin.Context, name string, rep lifecycle.TickReport, runErr error, took time.Duration) {
	if h.d.Store == nil {
		return
	}
	e := storage.AuditEntry{
		At:     time.Now().UTC(),
		Actor:  "admin:" + c.ClientIP(),
		Action: "task.run",
		Target: name,
		OK:     rep.Succeeded,
		Fail:   rep.Failed,
		TookMS: took.Milliseconds(),
		Meta:   c.GetString(requestIDKey),
	}
	if runErr != nil {
		e.Error = runErr.Error()
	}
	// The run already happened; use a fresh context so a cancelled request
	// still leaves a trail.
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := h.d.Store.AppendAudit(ctx, e); err != nil {
		h.d.Log.Warn("audit append failed", logx.String("task", name), logx.Err(err))
	}
}

func requestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		rid := strings.TrimSpace(c.GetHeader("X-Request-ID"))
		if rid == "" {
			rid = uuid.NewString()
		}
		c.Set(requestIDKey, rid)
		c.Writer.Header().Set("X-Request-ID", rid)
		c.Next()
	}
}

func accessLog(log logx.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		fields := []logx.Field{
			logx.String("request_id", c.GetString(requestIDKey)),
			logx.String("method", c.Request.Method),
			logx.String("path", c.Request.URL.Path),
			logx.Int("status", c.Writer.Status()),
			logx.Duration("latency", time.Since(start)),
			logx.String("ip", c.ClientIP()),
		}
		if c.Request.URL.Path == "/healthz" || c.Request.URL.Path == "/metrics" {
			log.Debug("http", fields...)
			return
		}
		log.Info("http", fields...)
	}
}

// bearer accepts "Authorization: Bearer <token>" or ?token=. An empty token
// disables the check.
func bearer(token string) gin.HandlerFunc {
	tok := strings.TrimSpace(token)
	return func(c *gin.Context) {
		if tok == "" {
			c.Next()
			return
		}
		if got := c.Query("token"); got != "" && got == tok {
			c.Next()
			return
		}
		const p = "Bearer "
		if ah := c.GetHeader("Authorization"); strings.HasPrefix(ah, p) && strings.TrimSpace(strings.TrimPrefix(ah, p)) == tok {
			c.Next()
			return
		}
		c.Header("WWW-Authenticate", "Bearer")
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
	}
}
