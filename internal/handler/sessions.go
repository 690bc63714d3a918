package handler

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"artcenter/internal/attendance"
	"artcenter/internal/auth"
	"artcenter/internal/model"
)

func (h *Handler) getSession(c *gin.Context) {
	id, ok := idParam(c)
	if !ok {
		return
	}
	sess, err := h.Attendance.Session(c.Request.Context(), id)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, sess)
}

func (h *Handler) setStatus(c *gin.Context) {
	id, ok := idParam(c)
	if !ok {
		return
	}
	var req struct {
		Status string `json:"status" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err.Error())
		return
	}
	status, err := model.ParseSessionStatus(req.Status)
	if err != nil {
		badRequest(c, err.Error())
		return
	}
	if status == model.SessionCompleted {
		badRequest(c, "sessions are completed by taking attendance")
		return
	}
	sess, err := h.Attendance.SetStatus(c.Request.Context(), id, status)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, sess)
}

func (h *Handler) applyAccounting(c *gin.Context) {
	id, ok := idParam(c)
	if !ok {
		return
	}
	res, err := h.Accounting.Apply(c.Request.Context(), id)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

func (h *Handler) listAttendance(c *gin.Context) {
	id, ok := idParam(c)
	if !ok {
		return
	}
	rows, err := h.Attendance.List(c.Request.Context(), id)
	if err != nil {
		h.writeError(c, err)
		return
	}
	if rows == nil {
		rows = []model.Attendance{}
	}
	c.JSON(http.StatusOK, gin.H{"attendance": rows})
}

func (h *Handler) checkAttendance(c *gin.Context) {
	id, ok := idParam(c)
	if !ok {
		return
	}
	d, err := h.Attendance.Check(c.Request.Context(), actorFrom(c), id)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, d)
}

func (h *Handler) recordAttendance(c *gin.Context) {
	id, ok := idParam(c)
	if !ok {
		return
	}
	var req struct {
		Marks []attendance.Mark `json:"marks" binding:"required,dive"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err.Error())
		return
	}
	rows, err := h.Attendance.Record(c.Request.Context(), actorFrom(c), id, req.Marks)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"attendance": rows})
}

func (h *Handler) teacherStats(c *gin.Context) {
	id, ok := idParam(c)
	if !ok {
		return
	}
	claims, _ := auth.ClaimsFrom(c)
	if claims.Role != model.RoleAdmin && (claims.TeacherID == nil || *claims.TeacherID != id) {
		c.JSON(http.StatusForbidden, gin.H{"error": "forbidden"})
		return
	}
	year := time.Now().Year()
	if v := c.Query("year"); v != "" {
		parsed, err := strconv.Atoi(v)
		if err != nil || parsed < 2000 || parsed > 9999 {
			badRequest(c, "invalid year")
			return
		}
		year = parsed
	}
	stats, err := h.Accounting.MonthlyStats(c.Request.Context(), id, year)
	if err != nil {
		h.writeError(c, err)
		return
	}
	if stats == nil {
		stats = []model.TeacherMonthlyStat{}
	}
	c.JSON(http.StatusOK, gin.H{"teacher_id": id, "year": year, "stats": stats})
}
