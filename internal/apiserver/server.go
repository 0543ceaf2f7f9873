// Package apiserver implements the REST control plane,
// grounded on the gin wiring in internal/server/router.go: a single gin
// Engine mounted under a configurable base path, gin.Recovery() as the
// only global middleware, one handler function per route.
package apiserver

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/processguard/processguard/internal/alerts"
	"github.com/processguard/processguard/internal/audit"
	"github.com/processguard/processguard/internal/crash"
	"github.com/processguard/processguard/internal/depgraph"
	"github.com/processguard/processguard/internal/logs"
	"github.com/processguard/processguard/internal/osfacade"
	"github.com/processguard/processguard/internal/sampler"
	"github.com/processguard/processguard/internal/supervisor"
)

// Server wires the Supervisor, Crash Engine, Alert Bus, Sampler, Dependency
// Graph and Audit Logger behind a gin Engine.
type Server struct {
	sup      *supervisor.Supervisor
	crash    *crash.Engine
	bus      *alerts.Bus
	smp      *sampler.Sampler
	graph    *depgraph.Graph
	logMgr   *logs.Manager
	auditLog *audit.Logger
	facade   osfacade.Facade
	auth     *TokenAuth
	basePath string
	wsHub    *wsHub

	startedAt time.Time
}

// Config gathers the collaborators a Server needs. All fields besides
// Supervisor are optional. With a nil collaborator, crash-stats, recent
// logs and alert acknowledge/resolve return 503; the alert list and the
// disabled/quarantined lists return an empty result, and /health reports
// ok when no Sampler is set.
type Config struct {
	Supervisor  *supervisor.Supervisor
	CrashEngine *crash.Engine
	AlertBus    *alerts.Bus
	Sampler     *sampler.Sampler
	Graph       *depgraph.Graph
	LogManager  *logs.Manager
	AuditLogger *audit.Logger
	Facade      osfacade.Facade
	BasePath    string
	AuthTokens  []string
}

func New(cfg Config) *Server {
	return &Server{
		sup:       cfg.Supervisor,
		crash:     cfg.CrashEngine,
		bus:       cfg.AlertBus,
		smp:       cfg.Sampler,
		graph:     cfg.Graph,
		logMgr:    cfg.LogManager,
		auditLog:  cfg.AuditLogger,
		facade:    cfg.Facade,
		auth:      NewTokenAuth(cfg.AuthTokens),
		basePath:  sanitizeBase(cfg.BasePath),
		wsHub:     newWSHub(),
		startedAt: time.Now(),
	}
}

// Handler returns the http.Handler to mount or pass to http.Server.
func (s *Server) Handler() http.Handler {
	g := gin.New()
	g.Use(gin.Recovery())

	g.GET("/health", s.handleHealth)

	group := g.Group(s.basePath)
	group.Use(s.auth.Gin())

	group.GET("/processes", s.handleListProcesses)
	group.POST("/processes", s.handleRegisterProcess)
	group.GET("/processes/:name", s.handleGetProcess)
	group.DELETE("/processes/:name", s.handleDeleteProcess)
	group.POST("/processes/:name/start", s.handleStart)
	group.POST("/processes/:name/stop", s.handleStop)
	group.POST("/processes/:name/restart", s.handleRestart)
	group.POST("/processes/:name/force-enable", s.handleForceEnable)
	group.POST("/processes/:name/reset-crashes", s.handleResetCrashes)
	group.GET("/processes/:name/crash-stats", s.handleCrashStats)
	group.GET("/processes/:name/logs/recent", s.handleRecentLogs)

	group.GET("/alerts", s.handleListAlerts)
	group.POST("/alerts/:id/acknowledge", s.handleAcknowledgeAlert)
	group.POST("/alerts/:id/resolve", s.handleResolveAlert)

	group.GET("/system/info", s.handleSystemInfo)
	group.GET("/system/metrics", s.handleSystemMetrics)
	group.GET("/system/disabled-processes", s.handleDisabledProcesses)
	group.GET("/system/quarantined-processes", s.handleQuarantinedProcesses)

	return g
}

// NewHTTPServer wraps Handler() in a configured http.Server, mirroring
// provisr's internal/server.NewServer timeout defaults.
func NewHTTPServer(addr string, s *Server) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
}

func (s *Server) handleHealth(c *gin.Context) {
	if s.smp == nil {
		writeJSON(c, http.StatusOK, gin.H{"status": "ok"})
		return
	}
	if time.Since(s.smp.LastTick()) > 2*s.smp.Interval() {
		writeJSON(c, http.StatusServiceUnavailable, gin.H{"status": "stale"})
		return
	}
	writeJSON(c, http.StatusOK, gin.H{"status": "ok"})
}

func (s *Server) handleListProcesses(c *gin.Context) {
	names := s.sup.Names()
	out := make([]gin.H, 0, len(names))
	for _, n := range names {
		snap, err := s.sup.Snapshot(n)
		if err != nil {
			continue
		}
		out = append(out, snapshotJSON(snap))
	}
	writeJSON(c, http.StatusOK, gin.H{"processes": out})
}

func (s *Server) handleRegisterProcess(c *gin.Context) {
	var cfg supervisor.Config
	if err := c.ShouldBindJSON(&cfg); err != nil {
		writeJSON(c, http.StatusBadRequest, errorResp(err.Error()))
		return
	}
	if !isSafeName(cfg.Name) {
		writeJSON(c, http.StatusBadRequest, errorResp("invalid process name"))
		return
	}
	if err := s.sup.Register(cfg); err != nil {
		writeJSON(c, http.StatusConflict, errorResp(err.Error()))
		return
	}
	s.recordAudit(c.Request.Context(), cfg.Name, "register", "ok")
	writeJSON(c, http.StatusCreated, okResp())
}

func (s *Server) handleGetProcess(c *gin.Context) {
	name := c.Param("name")
	snap, err := s.sup.Snapshot(name)
	if err != nil {
		writeJSON(c, http.StatusNotFound, errorResp(err.Error()))
		return
	}
	writeJSON(c, http.StatusOK, snapshotJSON(snap))
}

func (s *Server) handleDeleteProcess(c *gin.Context) {
	name := c.Param("name")
	s.sup.Deregister(name)
	s.recordAudit(c.Request.Context(), name, "deregister", "ok")
	writeJSON(c, http.StatusOK, okResp())
}

func queryBool(c *gin.Context, key string) bool {
	v := c.Query(key)
	return v == "true" || v == "1"
}

func (s *Server) handleStart(c *gin.Context) {
	name := c.Param("name")
	if err := s.sup.Start(name, queryBool(c, "ignore_dependencies")); err != nil {
		writeSupervisorError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, okResp())
}

func (s *Server) handleStop(c *gin.Context) {
	name := c.Param("name")
	if err := s.sup.Stop(name, queryBool(c, "force")); err != nil {
		writeSupervisorError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, okResp())
}

func (s *Server) handleRestart(c *gin.Context) {
	name := c.Param("name")
	force := queryBool(c, "force")
	ignoreDeps := queryBool(c, "ignore_dependencies")
	if err := s.sup.Restart(name, force, ignoreDeps); err != nil {
		writeSupervisorError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, okResp())
}

func (s *Server) handleForceEnable(c *gin.Context) {
	name := c.Param("name")
	if err := s.sup.ForceEnable(name); err != nil {
		writeSupervisorError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, okResp())
}

func (s *Server) handleResetCrashes(c *gin.Context) {
	name := c.Param("name")
	if err := s.sup.ResetCrashes(name); err != nil {
		writeSupervisorError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, okResp())
}

func (s *Server) handleCrashStats(c *gin.Context) {
	name := c.Param("name")
	if s.crash == nil {
		writeJSON(c, http.StatusServiceUnavailable, errorResp("crash engine not configured"))
		return
	}
	records := s.crash.CrashRecords(name)
	out := make([]gin.H, 0, len(records))
	for _, r := range records {
		out = append(out, gin.H{
			"at":        r.At,
			"exit_code": r.ExitCode,
			"duration":  r.Duration.String(),
		})
	}
	writeJSON(c, http.StatusOK, gin.H{
		"process":           name,
		"crashes":           out,
		"disabled":          s.crash.IsDisabled(name),
		"quarantined_until": s.crash.QuarantinedUntil(name),
	})
}

func (s *Server) handleRecentLogs(c *gin.Context) {
	name := c.Param("name")
	if s.logMgr == nil {
		writeJSON(c, http.StatusServiceUnavailable, errorResp("log manager not configured"))
		return
	}
	n := 100
	if v := c.Query("lines"); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil && parsed > 0 {
			n = parsed
		}
	}
	lines, err := s.logMgr.Tail(name, n)
	if err != nil {
		writeJSON(c, http.StatusNotFound, errorResp(err.Error()))
		return
	}
	writeJSON(c, http.StatusOK, gin.H{"process": name, "lines": lines})
}

func (s *Server) handleListAlerts(c *gin.Context) {
	if s.bus == nil {
		writeJSON(c, http.StatusOK, gin.H{"alerts": []alerts.Alert{}})
		return
	}
	activeOnly := c.Query("active_only") == "true"
	writeJSON(c, http.StatusOK, gin.H{"alerts": s.bus.List(activeOnly)})
}

func (s *Server) handleAcknowledgeAlert(c *gin.Context) {
	id := c.Param("id")
	if s.bus == nil {
		writeJSON(c, http.StatusServiceUnavailable, errorResp("alert bus not configured"))
		return
	}
	a, ok := s.bus.Acknowledge(id)
	if !ok {
		writeJSON(c, http.StatusNotFound, errorResp("alert not found"))
		return
	}
	s.recordAudit(c.Request.Context(), a.Process, "alert_ack", id)
	writeJSON(c, http.StatusOK, a)
}

func (s *Server) handleResolveAlert(c *gin.Context) {
	id := c.Param("id")
	if s.bus == nil {
		writeJSON(c, http.StatusServiceUnavailable, errorResp("alert bus not configured"))
		return
	}
	a, ok := s.bus.Resolve(id)
	if !ok {
		writeJSON(c, http.StatusNotFound, errorResp("alert not found"))
		return
	}
	s.recordAudit(c.Request.Context(), a.Process, "alert_resolve", id)
	writeJSON(c, http.StatusOK, a)
}

func (s *Server) handleSystemInfo(c *gin.Context) {
	out := gin.H{
		"uptime":    time.Since(s.startedAt).String(),
		"processes": len(s.sup.Names()),
	}
	if s.facade != nil {
		if hm, err := s.facade.HostMetrics(); err == nil {
			out["system"] = systemJSON{CPUPercent: hm.CPUPercent, MemPercent: hm.MemoryPercent, LoadAverage: hm.LoadAverage1}
		}
	}
	writeJSON(c, http.StatusOK, out)
}

func (s *Server) handleSystemMetrics(c *gin.Context) {
	out := make(map[string][]sampleJSON)
	for _, name := range s.sup.Names() {
		if s.smp == nil {
			continue
		}
		samples := s.smp.Samples(name, 1)
		js := make([]sampleJSON, 0, len(samples))
		for _, sm := range samples {
			js = append(js, sampleToJSON(sm))
		}
		out[name] = js
	}
	writeJSON(c, http.StatusOK, gin.H{"samples": out})
}

func (s *Server) handleDisabledProcesses(c *gin.Context) {
	if s.crash == nil {
		writeJSON(c, http.StatusOK, gin.H{"disabled": []string{}})
		return
	}
	var disabled []string
	for _, n := range s.sup.Names() {
		if s.crash.IsDisabled(n) {
			disabled = append(disabled, n)
		}
	}
	writeJSON(c, http.StatusOK, gin.H{"disabled": disabled})
}

func (s *Server) handleQuarantinedProcesses(c *gin.Context) {
	if s.crash == nil {
		writeJSON(c, http.StatusOK, gin.H{"quarantined": []string{}})
		return
	}
	now := time.Now()
	var quarantined []gin.H
	for _, n := range s.sup.Names() {
		until := s.crash.QuarantinedUntil(n)
		if until.After(now) {
			quarantined = append(quarantined, gin.H{"name": n, "until": until})
		}
	}
	writeJSON(c, http.StatusOK, gin.H{"quarantined": quarantined})
}

func (s *Server) recordAudit(ctx context.Context, process, action, detail string) {
	if s.auditLog == nil {
		return
	}
	s.auditLog.RecordAction(ctx, process, action, detail)
}

func writeSupervisorError(c *gin.Context, err error) {
	var depErr *supervisor.DependencyNotReadyError
	if errors.As(err, &depErr) {
		writeJSON(c, http.StatusConflict, gin.H{"error": err.Error(), "missing": depErr.Missing})
		return
	}
	writeJSON(c, http.StatusNotFound, errorResp(err.Error()))
}

func snapshotJSON(snap supervisor.Snapshot) gin.H {
	return gin.H{
		"name":       snap.Name,
		"state":      snap.State.String(),
		"pid":        snap.PID,
		"started_at": snap.StartedAt,
		"stopped_at": snap.StoppedAt,
		"exit_code":  snap.ExitCode,
	}
}

type sampleJSON struct {
	Timestamp   time.Time `json:"timestamp"`
	CPUPercent  float64   `json:"cpu_percent"`
	MemPercent  float64   `json:"mem_percent"`
	RSSBytes    uint64    `json:"rss_bytes"`
	Threads     int32     `json:"threads"`
	OpenFiles   int32     `json:"open_files"`
	Connections int32     `json:"connections"`
	UptimeSec   float64   `json:"uptime_sec"`
}

func sampleToJSON(s osfacade.Sample) sampleJSON {
	return sampleJSON{
		Timestamp:   s.Timestamp,
		CPUPercent:  s.CPUPercent,
		MemPercent:  s.MemPercent,
		RSSBytes:    s.RSSBytes,
		Threads:     s.Threads,
		OpenFiles:   s.OpenFiles,
		Connections: s.Connections,
		UptimeSec:   s.UptimeSec,
	}
}
