package server

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/loykin/proxyvisor/internal/backup"
)

type labelReq struct {
	Label string `json:"label"`
}

type backupResp struct {
	ID backup.ID `json:"id"`
}

func (r *Router) backupID(c *gin.Context) (backup.ID, bool) {
	id := c.Param("id")
	if !isSafeName(id) {
		badRequest(c, "invalid backup id")
		return "", false
	}
	return backup.ID(id), true
}

func (r *Router) handleListBackups(c *gin.Context) {
	recs, err := r.d.Store.ListBackups()
	if err != nil {
		r.fail(c, err)
		return
	}
	if recs == nil {
		recs = []backup.Record{}
	}
	writeJSON(c, http.StatusOK, recs)
}

func (r *Router) handleCreateBackup(c *gin.Context) {
	var req labelReq
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			badRequest(c, "invalid JSON: "+err.Error())
			return
		}
	}
	id, err := r.d.Store.Backup(req.Label)
	if err != nil {
		r.fail(c, err)
		return
	}
	writeJSON(c, http.StatusCreated, backupResp{ID: id})
}

func (r *Router) handleRestoreBackup(c *gin.Context) {
	id, ok := r.backupID(c)
	if !ok {
		return
	}
	if err := r.d.Store.Restore(c.Request.Context(), id); err != nil {
		r.fail(c, err)
		return
	}
	writeJSON(c, http.StatusOK, okResp{OK: true})
}

func (r *Router) handleRenameBackup(c *gin.Context) {
	id, ok := r.backupID(c)
	if !ok {
		return
	}
	var req labelReq
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid JSON: "+err.Error())
		return
	}
	next, err := r.d.Store.RenameBackup(id, req.Label)
	if err != nil {
		r.fail(c, err)
		return
	}
	writeJSON(c, http.StatusOK, backupResp{ID: next})
}

func (r *Router) handleDeleteBackup(c *gin.Context) {
	id, ok := r.backupID(c)
	if !ok {
		return
	}
	if err := r.d.Store.DeleteBackup(id); err != nil {
		r.fail(c, err)
		return
	}
	writeJSON(c, http.StatusOK, okResp{OK: true})
}
