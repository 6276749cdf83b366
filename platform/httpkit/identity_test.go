package httpkit

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

func TestGetIdentityUnauthenticatedWhenContextEmpty(t *testing.T) {
	gin.SetMode(gin.TestMode)
	c, _ := gin.CreateTestContext(httptest.NewRecorder())

	id := GetIdentity(c)
	if id.IsAuthenticated() {
		t.Fatal("empty context must yield an unauthenticated identity")
	}
	if id.HasRole("admin") {
		t.Fatal("unauthenticated identity must not carry roles")
	}
}

func TestGetIdentityReadsUserAndRoles(t *testing.T) {
	gin.SetMode(gin.TestMode)
	c, _ := gin.CreateTestContext(httptest.NewRecorder())

	userID := uuid.New()
	c.Set(ContextUserIDKey, userID)
	c.Set(ContextRolesKey, []string{"admin", "planner"})

	id := GetIdentity(c)
	if !id.IsAuthenticated() {
		t.Fatal("identity with user id must be authenticated")
	}
	if id.UserID() != userID {
		t.Fatalf("user id = %s, want %s", id.UserID(), userID)
	}
	if !id.HasRole("admin") || id.HasRole("accountant") {
		t.Fatalf("roles = %v", id.Roles())
	}
}

func TestRequireRoleGoesThroughIdentity(t *testing.T) {
	gin.SetMode(gin.TestMode)

	newEngine := func(authenticated bool, roles []string) *gin.Engine {
		engine := gin.New()
		engine.Use(func(c *gin.Context) {
			if authenticated {
				c.Set(ContextUserIDKey, uuid.New())
				c.Set(ContextRolesKey, roles)
			}
			c.Next()
		})
		engine.GET("/admin", RequireRole("admin"), func(c *gin.Context) {
			c.Status(http.StatusOK)
		})
		return engine
	}

	cases := []struct {
		name          string
		authenticated bool
		roles         []string
		want          int
	}{
		{"anonymous", false, nil, http.StatusForbidden},
		{"wrong role", true, []string{"planner"}, http.StatusForbidden},
		{"admin", true, []string{"admin"}, http.StatusOK},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			req := httptest.NewRequest(http.MethodGet, "/admin", nil)
			newEngine(tc.authenticated, tc.roles).ServeHTTP(rec, req)
			if rec.Code != tc.want {
				t.Fatalf("status = %d, want %d", rec.Code, tc.want)
			}
		})
	}
}
