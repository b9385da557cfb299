package auth

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"

	"github.com/screenclip/backend/pkg/utils"
)

func newAuthRouter(t *testing.T, apiKey string) *gin.Engine {
	t.Helper()
	gin.SetMode(gin.TestMode)
	hash := ""
	if apiKey != "" {
		var err error
		if hash, err = utils.HashAPIKey(apiKey); err != nil {
			t.Fatal(err)
		}
	}
	h := NewHandler(hash, NewJWTService("test-secret", 1), nil)
	r := gin.New()
	r.POST("/auth/token", h.Token)
	return r
}

func requestToken(router *gin.Engine, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/auth/token", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func TestTokenExchange(t *testing.T) {
	router := newAuthRouter(t, "sk-valid")

	rec := requestToken(router, `{"api_key":"sk-valid"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}
	var envelope struct {
		Data TokenResponse `json:"data"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &envelope); err != nil {
		t.Fatal(err)
	}
	if envelope.Data.Token == "" {
		t.Error("empty token in response")
	}
	if _, err := NewJWTService("test-secret", 1).Validate(envelope.Data.Token); err != nil {
		t.Errorf("issued token does not validate: %v", err)
	}
}

func TestTokenRejectsWrongKey(t *testing.T) {
	router := newAuthRouter(t, "sk-valid")

	if rec := requestToken(router, `{"api_key":"sk-wrong"}`); rec.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", rec.Code)
	}
}

func TestTokenRejectsWhenNoKeyConfigured(t *testing.T) {
	router := newAuthRouter(t, "")

	if rec := requestToken(router, `{"api_key":"anything"}`); rec.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", rec.Code)
	}
}

func TestTokenRejectsMalformedBody(t *testing.T) {
	router := newAuthRouter(t, "sk-valid")

	for _, body := range []string{``, `{}`, `{"api_key":""}`} {
		if rec := requestToken(router, body); rec.Code != http.StatusBadRequest {
			t.Errorf("body %q: status = %d, want 400", body, rec.Code)
		}
	}
}
