package handler

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"artcenter/internal/accounting"
	"artcenter/internal/attendance"
	"artcenter/internal/auth"
	"artcenter/internal/httpmiddleware"
	"artcenter/internal/model"
	"artcenter/internal/passwordreset"
	"artcenter/internal/schedule"
)

const dateLayout = "2006-01-02"

// Handler serves the JSON API.
type Handler struct {
	Auth       *auth.Service
	Signer     *auth.Signer
	Attendance *attendance.Service
	Accounting *accounting.Service
	Checker    *schedule.Checker
	Reset      *passwordreset.Service
	// Limiter throttles the unauthenticated password reset routes. Optional.
	Limiter *httpmiddleware.TokenBucket
	Log     *slog.Logger
}

// Register mounts every route under /v1.
func (h *Handler) Register(r gin.IRouter) {
	if h.Log == nil {
		h.Log = slog.Default()
	}
	v1 := r.Group("/v1")

	authGroup := v1.Group("/auth")
	authGroup.POST("/login", h.login)
	authGroup.POST("/refresh", h.refresh)

	password := authGroup.Group("/password")
	if h.Limiter != nil {
		password.Use(h.Limiter.Middleware(httpmiddleware.ClientIP))
	}
	password.POST("/otp", h.requestOTP)
	password.POST("/verify", h.verifyOTP)
	password.POST("/reset", h.resetPassword)

	secured := v1.Group("", auth.Bearer(h.Signer))
	admin := auth.RequireRole(model.RoleAdmin)
	staff := auth.RequireRole(model.RoleAdmin, model.RoleTeacher)

	sessions := secured.Group("/sessions/:id")
	sessions.GET("", staff, h.getSession)
	sessions.PATCH("/status", admin, h.setStatus)
	sessions.POST("/accounting", admin, h.applyAccounting)
	sessions.GET("/attendance", staff, h.listAttendance)
	sessions.GET("/attendance/check", staff, h.checkAttendance)
	sessions.PUT("/attendance", staff, h.recordAttendance)

	secured.GET("/teachers/:id/stats", staff, h.teacherStats)

	conflicts := secured.Group("/conflicts", admin)
	conflicts.POST("/teacher/weekly", h.teacherWeekly)
	conflicts.POST("/teacher/session", h.teacherSession)
	conflicts.POST("/students/session", h.studentsSession)
	conflicts.POST("/students/weekly", h.studentsWeekly)
}

// writeError maps domain errors to HTTP statuses.
func (h *Handler) writeError(c *gin.Context, err error) {
	var cooldown *passwordreset.CooldownError
	if errors.As(err, &cooldown) {
		c.Header("Retry-After", strconv.Itoa(int(cooldown.RetryAfter.Round(time.Second)/time.Second)))
	}

	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, attendance.ErrNotFound), errors.Is(err, accounting.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, attendance.ErrInvalidState), errors.Is(err, accounting.ErrInvalidState),
		errors.Is(err, accounting.ErrAlreadyApplied):
		status = http.StatusConflict
	case errors.Is(err, attendance.ErrForbidden):
		status = http.StatusForbidden
	case errors.Is(err, attendance.ErrValidation), errors.Is(err, schedule.ErrInvalidWindow),
		errors.Is(err, passwordreset.ErrValidation), errors.Is(err, passwordreset.ErrInvalidCode),
		errors.Is(err, passwordreset.ErrOTPExpired), errors.Is(err, passwordreset.ErrInvalidToken):
		status = http.StatusBadRequest
	case errors.Is(err, passwordreset.ErrCooldown), errors.Is(err, passwordreset.ErrTooManyAttempts):
		status = http.StatusTooManyRequests
	case errors.Is(err, auth.ErrInvalidCredentials):
		status = http.StatusUnauthorized
	}

	if status == http.StatusInternalServerError {
		h.Log.Error("request failed", "method", c.Request.Method, "path", c.FullPath(), "err", err)
		c.JSON(status, gin.H{"error": "internal error"})
		return
	}
	c.JSON(status, gin.H{"error": err.Error()})
}

func badRequest(c *gin.Context, msg string) {
	c.JSON(http.StatusBadRequest, gin.H{"error": msg})
}

func idParam(c *gin.Context) (int64, bool) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id <= 0 {
		badRequest(c, "invalid id")
		return 0, false
	}
	return id, true
}

func actorFrom(c *gin.Context) attendance.Actor {
	claims, _ := auth.ClaimsFrom(c)
	return attendance.Actor{UserID: claims.Subject, Role: claims.Role, TeacherID: claims.TeacherID}
}

func parseDate(s string) (time.Time, error) {
	return time.Parse(dateLayout, s)
}
