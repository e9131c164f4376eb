// Package server exposes the manager over HTTP for local control-plane
// clients (the procwatch CLI and operators with curl).
package server

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/jmbish04/procwatch/internal/manager"
	"github.com/jmbish04/procwatch/internal/metrics"
	"github.com/jmbish04/procwatch/internal/monitor"
	"github.com/jmbish04/procwatch/internal/supervisor"
)

// Router provides embeddable HTTP handlers for the control plane.
// Endpoints under basePath:
//
//	POST /start            body: start request JSON
//	POST /stop             query: instance=...
//	GET  /status           query: instance=... (omit to list all)
//	GET  /errors           query: instance=...&minLevel=...&limit=...
//	GET  /errors/summary   query: instance=...
//	POST /errors/clear     query: instance=...
//	GET  /logs             query: instance=...&levels=...&streams=...
//	POST /logs/clear       query: instance=...
//
// Plus /healthz and /metrics at the root.
type Router struct {
	mgr      *manager.Manager
	basePath string
}

// NewRouter constructs a Router. basePath may be empty or start with '/';
// a trailing slash is stripped.
func NewRouter(mgr *manager.Manager, basePath string) *Router {
	return &Router{mgr: mgr, basePath: sanitizeBase(basePath)}
}

// Handler returns an http.Handler powered by gin that can be mounted in
// any server or mux.
func (r *Router) Handler() http.Handler {
	g := gin.New()
	g.Use(gin.Recovery())
	g.GET("/healthz", func(c *gin.Context) { c.JSON(http.StatusOK, okResp{OK: true}) })
	g.GET("/metrics", gin.WrapH(metrics.Handler()))
	group := g.Group(r.basePath)
	group.POST("/start", r.handleStart)
	group.POST("/stop", r.handleStop)
	group.GET("/status", r.handleStatus)
	group.GET("/errors", r.handleErrors)
	group.GET("/errors/summary", r.handleErrorSummary)
	group.POST("/errors/clear", r.handleClearErrors)
	group.GET("/logs", r.handleLogs)
	group.POST("/logs/clear", r.handleClearLogs)
	return g
}

// NewServer starts a standalone HTTP server on addr using this router.
func NewServer(addr, basePath string, mgr *manager.Manager) (*http.Server, error) {
	r := NewRouter(mgr, basePath)
	server := &http.Server{
		Addr:              addr,
		Handler:           r.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      15 * time.Second,
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

type clearResp struct {
	OK      bool `json:"ok"`
	Deleted int  `json:"deleted"`
}

type startRequest struct {
	supervisor.Spec
	Options *monitor.Options `json:"options,omitempty"`
}

func (r *Router) handleStart(c *gin.Context) {
	var req startRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, errorResp{Error: "invalid JSON: " + err.Error()})
		return
	}
	if req.InstanceID == "" {
		c.JSON(http.StatusBadRequest, errorResp{Error: "instance_id required"})
		return
	}
	if !isSafeName(req.InstanceID) {
		c.JSON(http.StatusBadRequest, errorResp{Error: "invalid instance_id: allowed [A-Za-z0-9._-]"})
		return
	}
	if !isSafeAbsPath(req.WorkDir) {
		c.JSON(http.StatusBadRequest, errorResp{Error: "invalid work_dir: must be absolute path without traversal"})
		return
	}
	if !isSafeAbsPath(req.Capture.Dir) {
		c.JSON(http.StatusBadRequest, errorResp{Error: "invalid capture.dir: must be absolute path without traversal"})
		return
	}
	info, err := r.mgr.Start(req.Spec, req.Options)
	if err != nil {
		c.JSON(http.StatusBadRequest, errorResp{Error: err.Error()})
		return
	}
	c.JSON(http.StatusOK, info)
}

func (r *Router) handleStop(c *gin.Context) {
	instance := c.Query("instance")
	if instance == "" {
		c.JSON(http.StatusBadRequest, errorResp{Error: "instance query param required"})
		return
	}
	if err := r.mgr.Stop(instance); err != nil {
		c.JSON(http.StatusBadRequest, errorResp{Error: err.Error()})
		return
	}
	c.JSON(http.StatusOK, okResp{OK: true})
}

func (r *Router) handleStatus(c *gin.Context) {
	instance := c.Query("instance")
	if instance == "" {
		c.JSON(http.StatusOK, r.mgr.StatusAll(c.Request.Context()))
		return
	}
	info, err := r.mgr.Status(c.Request.Context(), instance)
	if err != nil {
		c.JSON(http.StatusNotFound, errorResp{Error: err.Error()})
		return
	}
	c.JSON(http.StatusOK, info)
}

func (r *Router) handleErrors(c *gin.Context) {
	f, err := errorFilterFromQuery(c)
	if err != nil {
		c.JSON(http.StatusBadRequest, errorResp{Error: err.Error()})
		return
	}
	errs, ferr := r.mgr.Errors(c.Request.Context(), f)
	if ferr != nil {
		c.JSON(http.StatusBadGateway, errorResp{Error: ferr.Error()})
		return
	}
	if errs == nil {
		errs = []monitor.StoredError{}
	}
	c.JSON(http.StatusOK, errs)
}

func (r *Router) handleErrorSummary(c *gin.Context) {
	summary, err := r.mgr.ErrorSummary(c.Request.Context(), c.Query("instance"))
	if err != nil {
		c.JSON(http.StatusBadGateway, errorResp{Error: err.Error()})
		return
	}
	c.JSON(http.StatusOK, summary)
}

func (r *Router) handleClearErrors(c *gin.Context) {
	n, err := r.mgr.ClearErrors(c.Request.Context(), c.Query("instance"))
	if err != nil {
		c.JSON(http.StatusBadGateway, errorResp{Error: err.Error()})
		return
	}
	c.JSON(http.StatusOK, clearResp{OK: true, Deleted: n})
}

func (r *Router) handleLogs(c *gin.Context) {
	f, err := logFilterFromQuery(c)
	if err != nil {
		c.JSON(http.StatusBadRequest, errorResp{Error: err.Error()})
		return
	}
	page, ferr := r.mgr.Logs(c.Request.Context(), f)
	if ferr != nil {
		c.JSON(http.StatusBadGateway, errorResp{Error: ferr.Error()})
		return
	}
	if page.Entries == nil {
		page.Entries = []monitor.LogEntry{}
	}
	c.JSON(http.StatusOK, page)
}

func (r *Router) handleClearLogs(c *gin.Context) {
	n, err := r.mgr.ClearLogs(c.Request.Context(), c.Query("instance"))
	if err != nil {
		c.JSON(http.StatusBadGateway, errorResp{Error: err.Error()})
		return
	}
	c.JSON(http.StatusOK, clearResp{OK: true, Deleted: n})
}
