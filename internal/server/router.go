package server

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/loykin/hotbackup/internal/backup"
	"github.com/loykin/hotbackup/internal/container"
	"github.com/loykin/hotbackup/internal/metrics"
)

// Service is what the HTTP API drives. *hotbackup.HotBackup implements it.
type Service interface {
	ContainerName() string
	Status(ctx context.Context) (container.State, error)
	Backup(ctx context.Context) (backup.Artifact, error)
	ListBackups() ([]backup.Artifact, error)
	Rotate() ([]string, error)
}

// Router provides embeddable HTTP handlers for the backup service.
// Endpoints:
//
//	GET  {basePath}/status          liveness of the monitored process
//	GET  {basePath}/backups         archives, newest first
//	GET  {basePath}/backups/:name   download one archive
//	POST {basePath}/backups         run a backup now (409 while one is running)
//	POST {basePath}/rotate          apply the retention policy
//	GET  {basePath}/metrics         Prometheus metrics (when enabled)
//
// basePath may be empty or start with '/'; no trailing slash. A nil Service
// serves only the metrics route.
type Router struct {
	svc      Service
	basePath string
	metrics  bool
}

// NewRouter constructs a new Router with configurable basePath.
// Example basePath: "/api" results in /api/status, /api/backups, ...
func NewRouter(svc Service, basePath string, withMetrics bool) *Router {
	return &Router{svc: svc, basePath: sanitizeBase(basePath), metrics: withMetrics}
}

// Handler returns an http.Handler powered by gin that can be mounted in any server/mux.
func (r *Router) Handler() http.Handler {
	g := gin.New()
	g.Use(gin.Recovery())
	group := g.Group(r.basePath)
	if r.svc != nil {
		group.GET("/status", r.handleStatus)
		group.GET("/backups", r.handleList)
		group.GET("/backups/:name", r.handleDownload)
		group.POST("/backups", r.handleBackup)
		group.POST("/rotate", r.handleRotate)
	}
	if r.metrics {
		group.GET("/metrics", gin.WrapH(metrics.Handler()))
	}
	return g
}

// NewServer starts a standalone HTTP server on addr using this router.
// Stop it with Shutdown or Close.
func NewServer(addr string, r *Router) (*http.Server, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	server := &http.Server{
		Addr:              addr,
		Handler:           r.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		// a backup triggered over HTTP runs inside the request
		WriteTimeout: 0,
		IdleTimeout:  60 * time.Second,
	}
	go func() { _ = server.Serve(ln) }()
	return server, nil
}

// --- Handlers ---

type errorResp struct {
	Error string `json:"error"`
}

type statusResp struct {
	Container string `json:"container"`
	State     string `json:"state"`
	Running   bool   `json:"running"`
	Error     string `json:"error,omitempty"`
}

type rotateResp struct {
	Removed []string `json:"removed"`
}

func (r *Router) handleStatus(c *gin.Context) {
	st, err := r.svc.Status(c.Request.Context())
	resp := statusResp{Container: r.svc.ContainerName(), State: string(st), Running: st.Running()}
	if err != nil {
		resp.State = "unknown"
		resp.Error = err.Error()
		writeJSON(c, http.StatusBadGateway, resp)
		return
	}
	writeJSON(c, http.StatusOK, resp)
}

func (r *Router) handleList(c *gin.Context) {
	arts, err := r.svc.ListBackups()
	if err != nil {
		writeJSON(c, http.StatusInternalServerError, errorResp{Error: err.Error()})
		return
	}
	if arts == nil {
		arts = []backup.Artifact{}
	}
	writeJSON(c, http.StatusOK, arts)
}

func (r *Router) handleDownload(c *gin.Context) {
	name := c.Param("name")
	if !isSafeName(name) {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "invalid name: allowed [A-Za-z0-9._-] and no '..' or path separators"})
		return
	}
	arts, err := r.svc.ListBackups()
	if err != nil {
		writeJSON(c, http.StatusInternalServerError, errorResp{Error: err.Error()})
		return
	}
	for _, a := range arts {
		if a.Name == name {
			c.FileAttachment(a.Path, a.Name)
			return
		}
	}
	writeJSON(c, http.StatusNotFound, errorResp{Error: "no such backup: " + name})
}

func (r *Router) handleBackup(c *gin.Context) {
	art, err := r.svc.Backup(c.Request.Context())
	if err != nil {
		code := http.StatusInternalServerError
		if errors.Is(err, backup.ErrRunInProgress) {
			code = http.StatusConflict
		}
		writeJSON(c, code, errorResp{Error: err.Error()})
		return
	}
	writeJSON(c, http.StatusOK, art)
}

func (r *Router) handleRotate(c *gin.Context) {
	removed, err := r.svc.Rotate()
	if err != nil {
		writeJSON(c, http.StatusInternalServerError, errorResp{Error: err.Error()})
		return
	}
	if removed == nil {
		removed = []string{}
	}
	writeJSON(c, http.StatusOK, rotateResp{Removed: removed})
}
