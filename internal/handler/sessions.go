package handler

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"pemss/internal/attendance"
)

type createSessionRequest struct {
	attendance.NewSession
	TTLMinutes int `json:"ttlMinutes"`
}

func (h *Handler) createSession(c *gin.Context) {
	var req createSessionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	in := req.NewSession
	if req.TTLMinutes > 0 {
		in.TTL = time.Duration(req.TTLMinutes) * time.Minute
	}
	p := principal(c)
	if in.TeacherID == "" {
		in.TeacherID = p.UID
	}
	sess, err := h.sessions.CreateSession(c.Request.Context(), in)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, sess)
}

func (h *Handler) listSessions(c *gin.Context) {
	list, err := h.sessions.List(c.Request.Context(), c.Query("section"))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"sessions": list})
}

func (h *Handler) checkIn(c *gin.Context) {
	var req struct {
		Code string `json:"code"`
		Name string `json:"name"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	p := principal(c)
	entry, err := h.sessions.CheckIn(c.Request.Context(), c.Param("id"), req.Code, p.Identity(), req.Name, p.Sections)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, entry)
}

func (h *Handler) closeSession(c *gin.Context) {
	if err := h.sessions.Close(c.Request.Context(), c.Param("id")); err != nil {
		h.fail(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *Handler) deleteSession(c *gin.Context) {
	if err := h.sessions.Delete(c.Request.Context(), c.Param("id")); err != nil {
		h.fail(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}
