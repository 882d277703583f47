package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"

	"github.com/campusiq/campus-api/internal/models"
)

func performRBAC(t *testing.T, claims *models.JWTClaims, paramID string, allowed ...string) int {
	t.Helper()
	gin.SetMode(gin.TestMode)
	rec := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(rec)
	c.Request = httptest.NewRequest(http.MethodGet, "/test", nil)
	if claims != nil {
		c.Set(ContextUserKey, claims)
	}
	if paramID != "" {
		c.Params = gin.Params{{Key: "id", Value: paramID}}
	}
	RBAC(allowed...)(c)
	return rec.Code
}

func TestRBACAllowsMatchingRole(t *testing.T) {
	claims := &models.JWTClaims{UserID: "u1", Role: models.RoleAdmin}
	code := performRBAC(t, claims, "", string(models.RoleAdmin))
	assert.Equal(t, http.StatusOK, code)
}

func TestRBACRejectsOtherRole(t *testing.T) {
	claims := &models.JWTClaims{UserID: "u1", Role: models.RoleStudent}
	code := performRBAC(t, claims, "", string(models.RoleAdmin))
	assert.Equal(t, http.StatusForbidden, code)
}

func TestRBACAllowsSelf(t *testing.T) {
	claims := &models.JWTClaims{UserID: "u1", Role: models.RoleStudent}
	code := performRBAC(t, claims, "u1", string(models.RoleAdmin), SelfRole)
	assert.Equal(t, http.StatusOK, code)
}

func TestRBACRejectsOtherUserWithSelf(t *testing.T) {
	claims := &models.JWTClaims{UserID: "u1", Role: models.RoleStudent}
	code := performRBAC(t, claims, "u2", string(models.RoleAdmin), SelfRole)
	assert.Equal(t, http.StatusForbidden, code)
}

func TestRBACRequiresClaims(t *testing.T) {
	code := performRBAC(t, nil, "", string(models.RoleAdmin))
	assert.Equal(t, http.StatusUnauthorized, code)
}
