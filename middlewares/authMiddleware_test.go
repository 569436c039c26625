package middlewares

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"

	"github.com/eutimioliusbel/pfamirror/utils"
)

func testRouter(capture *map[string]any) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(CorrelationMiddleware())
	r.Use(AuthMiddleware())
	r.GET("/probe", func(c *gin.Context) {
		ctx := c.Request.Context()
		got := map[string]any{}
		if v, ok := utils.GetTenantIdFromContext(ctx); ok {
			got["tenant"] = v
		}
		if v, ok := utils.GetCallerIdFromContext(ctx); ok {
			got["caller"] = v
		}
		if v, ok := utils.GetCallerRoleFromContext(ctx); ok {
			got["role"] = v
		}
		if v, ok := utils.GetIsAdminFromContext(ctx); ok {
			got["admin"] = v
		}
		if v, ok := utils.GetCorrelationIdFromContext(ctx); ok {
			got["correlation"] = v
		}
		*capture = got
		c.Status(http.StatusNoContent)
	})
	return r
}

func TestAuthMiddlewarePopulatesContext(t *testing.T) {
	token, err := utils.JwtGenerate("user-7", "t1", "operator")
	if err != nil {
		t.Fatal(err)
	}

	var got map[string]any
	r := testRouter(&got)
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/probe", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	r.ServeHTTP(w, req)

	if w.Code != http.StatusNoContent {
		t.Fatalf("status = %d", w.Code)
	}
	if got["tenant"] != "t1" || got["caller"] != "user-7" || got["role"] != "operator" {
		t.Fatalf("context = %v", got)
	}
	if got["admin"] != false {
		t.Fatalf("admin = %v, want false for plain claims", got["admin"])
	}
}

func TestAuthMiddlewareAnonymousPassesThrough(t *testing.T) {
	var got map[string]any
	r := testRouter(&got)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/probe", nil))

	if w.Code != http.StatusNoContent {
		t.Fatalf("status = %d", w.Code)
	}
	if _, ok := got["tenant"]; ok {
		t.Fatal("anonymous request carried a tenant")
	}
}

func TestAuthMiddlewareRejectsBadToken(t *testing.T) {
	var got map[string]any
	r := testRouter(&got)
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/probe", nil)
	req.Header.Set("Authorization", "Bearer not-a-token")
	r.ServeHTTP(w, req)

	if w.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", w.Code)
	}
}

func TestCorrelationIdMintedAndEchoed(t *testing.T) {
	var got map[string]any
	r := testRouter(&got)

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/probe", nil))
	minted := w.Header().Get("X-Correlation-Id")
	if minted == "" || got["correlation"] != minted {
		t.Fatalf("minted %q, context %v", minted, got["correlation"])
	}

	w = httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/probe", nil)
	req.Header.Set("X-Correlation-Id", "corr-42")
	r.ServeHTTP(w, req)
	if w.Header().Get("X-Correlation-Id") != "corr-42" || got["correlation"] != "corr-42" {
		t.Fatalf("supplied id not propagated: %v", got["correlation"])
	}
}
