package handler

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"artcenter/internal/model"
)

type window struct {
	Start model.TimeOfDay `json:"start"`
	End   model.TimeOfDay `json:"end"`
}

func weekday(day *int) (time.Weekday, bool) {
	if day == nil || *day < 0 || *day > 6 {
		return 0, false
	}
	return time.Weekday(*day), true
}

func (h *Handler) teacherWeekly(c *gin.Context) {
	var req struct {
		window
		TeacherID     int64 `json:"teacher_id" binding:"required"`
		DayOfWeek     *int  `json:"day_of_week" binding:"required"`
		IgnoreClassID int64 `json:"ignore_class_id"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err.Error())
		return
	}
	day, ok := weekday(req.DayOfWeek)
	if !ok {
		badRequest(c, "day_of_week must be 0 (Sunday) to 6 (Saturday)")
		return
	}
	overlap, err := h.Checker.TeacherWeeklyOverlap(c.Request.Context(), req.TeacherID, day, req.Start, req.End, req.IgnoreClassID)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"overlap": overlap})
}

func (h *Handler) teacherSession(c *gin.Context) {
	var req struct {
		window
		TeacherID       int64  `json:"teacher_id" binding:"required"`
		Date            string `json:"date" binding:"required"`
		IgnoreSessionID int64  `json:"ignore_session_id"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err.Error())
		return
	}
	date, err := parseDate(req.Date)
	if err != nil {
		badRequest(c, "date must be YYYY-MM-DD")
		return
	}
	overlap, err := h.Checker.TeacherSessionOverlap(c.Request.Context(), req.TeacherID, date, req.Start, req.End, req.IgnoreSessionID)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"overlap": overlap})
}

func (h *Handler) studentsSession(c *gin.Context) {
	var req struct {
		window
		ClassID          int64  `json:"class_id" binding:"required"`
		Date             string `json:"date" binding:"required"`
		ExcludeSessionID int64  `json:"exclude_session_id"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err.Error())
		return
	}
	date, err := parseDate(req.Date)
	if err != nil {
		badRequest(c, "date must be YYYY-MM-DD")
		return
	}
	msgs, err := h.Checker.StudentSessionConflicts(c.Request.Context(), req.ClassID, date, req.Start, req.End, req.ExcludeSessionID)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"conflicts": msgs})
}

func (h *Handler) studentsWeekly(c *gin.Context) {
	var req struct {
		window
		ClassID   int64  `json:"class_id" binding:"required"`
		DayOfWeek *int   `json:"day_of_week" binding:"required"`
		From      string `json:"from" binding:"required"`
		To        string `json:"to" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err.Error())
		return
	}
	day, ok := weekday(req.DayOfWeek)
	if !ok {
		badRequest(c, "day_of_week must be 0 (Sunday) to 6 (Saturday)")
		return
	}
	from, err := parseDate(req.From)
	if err != nil {
		badRequest(c, "from must be YYYY-MM-DD")
		return
	}
	to, err := parseDate(req.To)
	if err != nil {
		badRequest(c, "to must be YYYY-MM-DD")
		return
	}
	msgs, err := h.Checker.StudentWeeklyConflicts(c.Request.Context(), req.ClassID, day, req.Start, req.End, from, to)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"conflicts": msgs})
}
