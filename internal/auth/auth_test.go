package auth_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"artcenter/internal/auth"
	"artcenter/internal/memstore"
	"artcenter/internal/model"
)

func teacherUser(id int64) model.User {
	tid := int64(7)
	return model.User{ID: id, Email: "teacher@artcenter.vn", Role: model.RoleTeacher, TeacherID: &tid, IsActive: true}
}

func TestSignerRoundTrip(t *testing.T) {
	s := auth.NewSigner("k", "artcenter", time.Minute, time.Hour)
	pair, err := s.Issue(teacherUser(3))
	require.NoError(t, err)

	claims, err := s.Parse(pair.AccessToken)
	require.NoError(t, err)
	assert.Equal(t, "3", claims.Subject)
	assert.Equal(t, model.RoleTeacher, claims.Role)
	require.NotNil(t, claims.TeacherID)
	assert.Equal(t, int64(7), *claims.TeacherID)
	assert.False(t, claims.Refresh)

	refresh, err := s.Parse(pair.RefreshToken)
	require.NoError(t, err)
	assert.True(t, refresh.Refresh)
}

func TestSignerRejects(t *testing.T) {
	s := auth.NewSigner("k", "artcenter", time.Minute, time.Hour)
	pair, err := s.Issue(teacherUser(3))
	require.NoError(t, err)

	_, err = auth.NewSigner("other", "artcenter", time.Minute, time.Hour).Parse(pair.AccessToken)
	assert.Error(t, err, "wrong key")

	_, err = auth.NewSigner("k", "someone-else", time.Minute, time.Hour).Parse(pair.AccessToken)
	assert.Error(t, err, "wrong issuer")

	none := jwt.NewWithClaims(jwt.SigningMethodNone, auth.Claims{Role: model.RoleAdmin})
	unsigned, err := none.SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)
	_, err = s.Parse(unsigned)
	assert.Error(t, err, "alg none")

	expired := auth.NewSigner("k", "artcenter", -time.Minute, time.Hour)
	old, err := expired.Issue(teacherUser(3))
	require.NoError(t, err)
	_, err = s.Parse(old.AccessToken)
	assert.Error(t, err, "expired")
}

func TestPasswordHash(t *testing.T) {
	h, err := auth.HashPassword("correct horse")
	require.NoError(t, err)
	assert.True(t, auth.CheckPassword(h, "correct horse"))
	assert.False(t, auth.CheckPassword(h, "battery staple"))
}

func TestLoginAndRefresh(t *testing.T) {
	st := memstore.New()
	hash, err := auth.HashPassword("s3cret-pass")
	require.NoError(t, err)
	u := teacherUser(0)
	u.PasswordHash = hash
	u.ID = st.AddUser(u)
	disabled := model.User{Email: "gone@artcenter.vn", PasswordHash: hash, Role: model.RoleTeacher}
	st.AddUser(disabled)

	svc := auth.NewService(st, auth.NewSigner("k", "artcenter", time.Minute, time.Hour))
	ctx := context.Background()

	got, pair, err := svc.Login(ctx, "  TEACHER@artcenter.vn", "s3cret-pass")
	require.NoError(t, err)
	assert.Equal(t, u.ID, got.ID)
	assert.NotEmpty(t, pair.AccessToken)

	_, _, err = svc.Login(ctx, "teacher@artcenter.vn", "wrong")
	assert.ErrorIs(t, err, auth.ErrInvalidCredentials)
	_, _, err = svc.Login(ctx, "nobody@artcenter.vn", "s3cret-pass")
	assert.ErrorIs(t, err, auth.ErrInvalidCredentials)
	_, _, err = svc.Login(ctx, "gone@artcenter.vn", "s3cret-pass")
	assert.ErrorIs(t, err, auth.ErrInvalidCredentials)

	_, err = svc.Refresh(ctx, pair.RefreshToken)
	require.NoError(t, err)
	_, err = svc.Refresh(ctx, pair.AccessToken)
	assert.ErrorIs(t, err, auth.ErrInvalidCredentials)
}

func TestMiddleware(t *testing.T) {
	gin.SetMode(gin.TestMode)
	s := auth.NewSigner("k", "artcenter", time.Minute, time.Hour)
	r := gin.New()
	r.GET("/admin", auth.Bearer(s), auth.RequireRole(model.RoleAdmin), func(c *gin.Context) {
		claims, ok := auth.ClaimsFrom(c)
		require.True(t, ok)
		c.String(http.StatusOK, claims.Subject)
	})

	call := func(token string) int {
		req := httptest.NewRequest(http.MethodGet, "/admin", nil)
		if token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}
		w := httptest.NewRecorder()
		r.ServeHTTP(w, req)
		return w.Code
	}

	teacher, _ := s.Issue(teacherUser(3))
	admin, _ := s.Issue(model.User{ID: 1, Role: model.RoleAdmin})

	assert.Equal(t, http.StatusUnauthorized, call(""))
	assert.Equal(t, http.StatusUnauthorized, call(admin.RefreshToken))
	assert.Equal(t, http.StatusForbidden, call(teacher.AccessToken))
	assert.Equal(t, http.StatusOK, call(admin.AccessToken))
}
