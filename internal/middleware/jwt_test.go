package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"

	"github.com/screenclip/backend/internal/auth"
)

func newProtectedRouter(svc *auth.JWTService) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(JWT(svc))
	r.GET("/protected", func(c *gin.Context) {
		c.String(http.StatusOK, c.GetString(ContextClientID))
	})
	return r
}

func TestJWTAllowsValidBearer(t *testing.T) {
	svc := auth.NewJWTService("secret", 1)
	token, err := svc.Generate("client-7")
	if err != nil {
		t.Fatal(err)
	}
	router := newProtectedRouter(svc)

	req := httptest.NewRequest(http.MethodGet, "/protected", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}
	if rec.Body.String() != "client-7" {
		t.Errorf("client id = %q, want client-7", rec.Body.String())
	}
}

func TestJWTRejectsBadHeaders(t *testing.T) {
	svc := auth.NewJWTService("secret", 1)
	router := newProtectedRouter(svc)

	cases := []struct {
		name   string
		header string
	}{
		{"missing", ""},
		{"no scheme", "sometoken"},
		{"wrong scheme", "Basic sometoken"},
		{"garbage token", "Bearer not.a.jwt"},
	}
	for _, tc := range cases {
		req := httptest.NewRequest(http.MethodGet, "/protected", nil)
		if tc.header != "" {
			req.Header.Set("Authorization", tc.header)
		}
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, req)
		if rec.Code != http.StatusUnauthorized {
			t.Errorf("%s: status = %d, want 401", tc.name, rec.Code)
		}
	}
}
