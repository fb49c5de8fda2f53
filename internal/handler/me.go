package handler

import (
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"pemss/internal/catalog"
	"pemss/internal/history"
	"pemss/internal/model"
	"pemss/internal/reconcile"
	"pemss/internal/records"
	"pemss/internal/watcher"
)

func (h *Handler) getHistory(c *gin.Context) {
	var q history.Query
	_ = c.ShouldBindQuery(&q)

	p := principal(c)
	entries, err := h.history.Load(c.Request.Context(), p.UID, p.Identity())
	if errors.Is(err, model.ErrNotFound) {
		c.JSON(http.StatusOK, gin.H{"sessions": []history.Entry{}, "sections": []string{}, "empty": true})
		return
	}
	if err != nil {
		h.fail(c, err)
		return
	}
	id := p.Identity()
	for i := range entries {
		entries[i].AttendanceSession = entries[i].ForStudent(id)
	}
	c.JSON(http.StatusOK, gin.H{
		"sessions": history.Filter(entries, q),
		"sections": history.Sections(entries),
		"empty":    false,
	})
}

func (h *Handler) getRecords(c *gin.Context) {
	rec, err := h.records.Load(c.Request.Context(), principal(c).UID)
	if errors.Is(err, model.ErrNotFound) {
		c.JSON(http.StatusOK, gin.H{"attendanceRecords": []any{}, "attendanceIds": []string{}, "empty": true})
		return
	}
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, records.WireShape(rec))
}

type mergeRequest struct {
	SessionIDs []string `json:"sessionIds"`
	Section    string   `json:"section"`
}

func (h *Handler) mergeRecords(c *gin.Context) {
	var req mergeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "body must be {sessionIds, section}"})
		return
	}
	res, err := h.records.Merge(c.Request.Context(), principal(c).UID, req.SessionIDs, req.Section)
	if err != nil {
		h.fail(c, err)
		return
	}
	added := res.Added
	if added == nil {
		added = []string{}
	}
	c.JSON(http.StatusOK, gin.H{"added": added, "written": res.Written})
}

func (h *Handler) resolveCatalog(c *gin.Context) {
	var refs []catalog.Ref
	if err := c.ShouldBindJSON(&refs); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	res, err := h.catalog.Resolve(c.Request.Context(), refs)
	if err != nil && !errors.Is(err, catalog.ErrNoIDs) {
		h.fail(c, err)
		return
	}
	if p := principal(c); !p.IsStaff() {
		id := p.Identity()
		for i := range res.Sessions {
			res.Sessions[i].AttendanceSession = res.Sessions[i].ForStudent(id)
		}
	}
	c.JSON(http.StatusOK, res)
}

type snapshotPayload struct {
	Sessions []watcher.Session    `json:"sessions"`
	NewIDs   []string             `json:"newIds"`
	Sync     reconcile.SyncStatus `json:"sync"`
}

type syncPayload struct {
	Sync  reconcile.SyncStatus `json:"sync"`
	Error string               `json:"error,omitempty"`
}

// live streams the reconciliation run for the caller as server-sent events.
// The run stops when the client goes away.
func (h *Handler) live(c *gin.Context) {
	p := principal(c)
	sections, err := p.ScopeSections(watcher.ParseSections(c.Query("sections")))
	if err != nil {
		h.fail(c, err)
		return
	}
	run, err := h.engine.Start(c.Request.Context(), p.UID, p.Identity(), sections)
	if err != nil {
		h.fail(c, err)
		return
	}
	defer run.Stop()

	id := p.Identity()
	c.Header("Cache-Control", "no-cache")
	c.Header("X-Accel-Buffering", "no")
	ping := time.NewTicker(h.heartbeat)
	defer ping.Stop()

	c.Stream(func(io.Writer) bool {
		select {
		case ev, ok := <-run.Events():
			if !ok {
				return false
			}
			switch ev.Kind {
			case reconcile.EventSnapshot:
				ids := ev.NewIDs
				if ids == nil {
					ids = []string{}
				}
				c.SSEvent(string(ev.Kind), snapshotPayload{Sessions: studentView(ev.Sessions, id), NewIDs: ids, Sync: ev.Sync})
			case reconcile.EventSync:
				payload := syncPayload{Sync: ev.Sync}
				if ev.Err != nil {
					payload.Error = "saved record update failed"
				}
				c.SSEvent(string(ev.Kind), payload)
			case reconcile.EventError:
				c.SSEvent(string(ev.Kind), gin.H{"error": "live feed unavailable", "retryable": true})
				return false
			}
			return true
		case <-ping.C:
			c.SSEvent("ping", gin.H{"ts": time.Now().UTC().Format(time.RFC3339)})
			return true
		case <-c.Request.Context().Done():
			return false
		}
	})
}

// studentView strips what a student must not see from live sessions. The
// run's own copies are left untouched.
func studentView(sessions []watcher.Session, id model.Identity) []watcher.Session {
	out := make([]watcher.Session, len(sessions))
	for i, s := range sessions {
		s.AttendanceSession = s.ForStudent(id)
		out[i] = s
	}
	return out
}
