// Package server provides embeddable HTTP handlers for the supervisor's
// control API.
//
// Endpoints:
//
//	GET  {basePath}/status         supervisor status snapshot
//	GET  {basePath}/healthz        immediate health probe of the worker
//	POST {basePath}/start          start the worker
//	POST {basePath}/stop           stop the worker
//	POST {basePath}/restart        restart the worker
//	Any  {basePath}/proxy/*path    proxy a request to the worker API
package server

import (
	"context"
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/warden-sh/warden/internal/gateway"
	"github.com/warden-sh/warden/internal/health"
	"github.com/warden-sh/warden/internal/supervisor"
)

type Router struct {
	sup      *supervisor.Supervisor
	gw       *gateway.Gateway
	prober   *health.Prober
	basePath string
}

// NewRouter builds a router around a supervisor and its request gateway.
// basePath may be empty or start with '/'; no trailing slash.
func NewRouter(sup *supervisor.Supervisor, gw *gateway.Gateway, basePath string) *Router {
	return &Router{
		sup:      sup,
		gw:       gw,
		prober:   health.NewProber(sup.Config().HealthPath),
		basePath: sanitizeBase(basePath),
	}
}

// Handler returns an http.Handler powered by gin, mountable in any mux.
func (r *Router) Handler() http.Handler {
	g := gin.New()
	g.Use(gin.Recovery())
	group := g.Group(r.basePath)
	group.GET("/status", r.handleStatus)
	group.GET("/healthz", r.handleHealthz)
	group.POST("/start", r.handleStart)
	group.POST("/stop", r.handleStop)
	group.POST("/restart", r.handleRestart)
	group.Any("/proxy/*endpoint", r.handleProxy)
	return g
}

// NewServer starts a standalone control server on addr.
func NewServer(addr, basePath string, sup *supervisor.Supervisor, gw *gateway.Gateway) (*http.Server, error) {
	r := NewRouter(sup, gw, basePath)
	server := &http.Server{
		Addr:              addr,
		Handler:           r.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	go func() { _ = server.ListenAndServe() }()
	return server, nil
}

type errorResp struct {
	Error string `json:"error"`
}

type okResp struct {
	OK bool `json:"ok"`
}

func (r *Router) handleStatus(c *gin.Context) {
	writeJSON(c, http.StatusOK, r.sup.Status())
}

func (r *Router) handleHealthz(c *gin.Context) {
	cfg := r.sup.Config()
	rec := r.prober.Check(c.Request.Context(), cfg.Host, cfg.Port, 2*time.Second)
	code := http.StatusOK
	if !rec.Healthy {
		code = http.StatusServiceUnavailable
	}
	writeJSON(c, code, rec)
}

func (r *Router) handleStart(c *gin.Context) {
	if !r.sup.Start() {
		writeJSON(c, http.StatusConflict, errorResp{Error: "worker failed to start"})
		return
	}
	writeJSON(c, http.StatusOK, okResp{OK: true})
}

func (r *Router) handleStop(c *gin.Context) {
	if !r.sup.Stop() {
		writeJSON(c, http.StatusInternalServerError, errorResp{Error: "stop failed"})
		return
	}
	writeJSON(c, http.StatusOK, okResp{OK: true})
}

func (r *Router) handleRestart(c *gin.Context) {
	if !r.sup.Restart() {
		writeJSON(c, http.StatusConflict, errorResp{Error: "worker failed to restart"})
		return
	}
	writeJSON(c, http.StatusOK, okResp{OK: true})
}

// handleProxy forwards the request body to the worker through the gateway
// and relays the gateway result verbatim.
func (r *Router) handleProxy(c *gin.Context) {
	endpoint := c.Param("endpoint")

	var body any
	if c.Request.Method != http.MethodGet && c.Request.Body != nil {
		raw, err := io.ReadAll(c.Request.Body)
		if err != nil {
			writeJSON(c, http.StatusBadRequest, errorResp{Error: "read body: " + err.Error()})
			return
		}
		if len(raw) > 0 {
			body = rawBody(raw)
		}
	}

	res := r.gw.Call(contextOf(c), endpoint, c.Request.Method, body)
	code := http.StatusOK
	if !res.Success {
		code = http.StatusBadGateway
		if res.Status != 0 {
			code = res.Status
		}
	}
	writeJSON(c, code, res)
}

func contextOf(c *gin.Context) context.Context { return c.Request.Context() }
