package server

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/loykin/proxyvisor/internal/metrics"
)

type autoRestartReq struct {
	Enabled *bool `json:"enabled"`
}

type startResp struct {
	PID int `json:"pid"`
}

type resourcesResp struct {
	Latest  *metrics.EngineSample  `json:"latest"`
	History []metrics.EngineSample `json:"history"`
}

func (r *Router) handleEngineStatus(c *gin.Context) {
	writeJSON(c, http.StatusOK, r.d.Supervisor.Status())
}

func (r *Router) handleEngineVersion(c *gin.Context) {
	if r.d.Engine == nil {
		writeJSON(c, http.StatusNotFound, errorResp{Error: "not_found", Message: "engine control API not configured"})
		return
	}
	v, err := r.d.Engine.Version(c.Request.Context())
	if err != nil {
		r.fail(c, err)
		return
	}
	writeJSON(c, http.StatusOK, gin.H{"version": v})
}

func (r *Router) handleEngineStart(c *gin.Context) {
	pid, err := r.d.Supervisor.StartEngine(c.Request.Context())
	if err != nil {
		r.fail(c, err)
		return
	}
	writeJSON(c, http.StatusOK, startResp{PID: pid})
}

func (r *Router) handleEngineStop(c *gin.Context) {
	if err := r.d.Supervisor.StopEngine(c.Request.Context()); err != nil {
		r.fail(c, err)
		return
	}
	writeJSON(c, http.StatusOK, okResp{OK: true})
}

func (r *Router) handleEngineCheck(c *gin.Context) {
	r.d.Supervisor.Tick(c.Request.Context())
	writeJSON(c, http.StatusOK, r.d.Supervisor.Status())
}

func (r *Router) handleAutoRestart(c *gin.Context) {
	var req autoRestartReq
	if err := c.ShouldBindJSON(&req); err != nil || req.Enabled == nil {
		badRequest(c, `body must be {"enabled": true|false}`)
		return
	}
	r.d.Supervisor.SetAutoRestart(*req.Enabled)
	writeJSON(c, http.StatusOK, gin.H{"auto_restart": *req.Enabled})
}

func (r *Router) handleEngineResources(c *gin.Context) {
	if r.d.Resources == nil {
		writeJSON(c, http.StatusNotFound, errorResp{Error: "not_found", Message: "resource sampling not enabled"})
		return
	}
	var resp resourcesResp
	if s, ok := r.d.Resources.Latest(); ok {
		resp.Latest = &s
	}
	resp.History = r.d.Resources.History()
	writeJSON(c, http.StatusOK, resp)
}
