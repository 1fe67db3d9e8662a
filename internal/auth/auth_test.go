package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func doRequest(r *gin.Engine, headers map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, "/probe", nil)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func probeRouter(extra ...gin.HandlerFunc) *gin.Engine {
	r := gin.New()
	r.Use(Middleware())
	handlers := append(extra, func(c *gin.Context) {
		claims, _ := FromContext(c)
		c.JSON(http.StatusOK, gin.H{"userId": claims.UserID, "role": claims.Role})
	})
	r.GET("/probe", handlers...)
	return r
}

func TestMiddleware_ParsesClaims(t *testing.T) {
	r := probeRouter()
	w := doRequest(r, map[string]string{
		HeaderUserID:   "42",
		HeaderRole:     RoleWorker,
		HeaderWallet:   "0x1234567890123456789012345678901234567890",
		HeaderUsername: "ada",
	})
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	if body := w.Body.String(); body != `{"role":"worker","userId":42}` {
		t.Errorf("unexpected body: %s", body)
	}
}

func TestMiddleware_IgnoresBadUserID(t *testing.T) {
	r := probeRouter(Require())
	for _, bad := range []string{"", "abc", "-3", "0"} {
		w := doRequest(r, map[string]string{HeaderUserID: bad})
		if w.Code != http.StatusUnauthorized {
			t.Errorf("user id %q: status = %d, want 401", bad, w.Code)
		}
	}
}

func TestRequire(t *testing.T) {
	r := probeRouter(Require())

	if w := doRequest(r, nil); w.Code != http.StatusUnauthorized {
		t.Errorf("anonymous: status = %d, want 401", w.Code)
	}
	if w := doRequest(r, map[string]string{HeaderUserID: "7"}); w.Code != http.StatusOK {
		t.Errorf("authenticated: status = %d, want 200", w.Code)
	}
}

func TestRequireRole(t *testing.T) {
	r := probeRouter(RequireRole(RoleEmployer))

	w := doRequest(r, map[string]string{HeaderUserID: "7", HeaderRole: RoleWorker})
	if w.Code != http.StatusForbidden {
		t.Errorf("wrong role: status = %d, want 403", w.Code)
	}

	w = doRequest(r, map[string]string{HeaderUserID: "7", HeaderRole: RoleEmployer})
	if w.Code != http.StatusOK {
		t.Errorf("right role: status = %d, want 200", w.Code)
	}

	if w := doRequest(r, nil); w.Code != http.StatusUnauthorized {
		t.Errorf("anonymous: status = %d, want 401", w.Code)
	}
}

func TestRequireServiceKey(t *testing.T) {
	r := gin.New()
	r.GET("/probe", RequireServiceKey("s3cret"), func(c *gin.Context) {
		c.Status(http.StatusOK)
	})

	w := doRequest(r, map[string]string{HeaderServiceKey: "s3cret"})
	if w.Code != http.StatusOK {
		t.Errorf("valid key: status = %d, want 200", w.Code)
	}

	w = doRequest(r, map[string]string{HeaderServiceKey: "wrong"})
	if w.Code != http.StatusUnauthorized {
		t.Errorf("invalid key: status = %d, want 401", w.Code)
	}

	if w := doRequest(r, nil); w.Code != http.StatusUnauthorized {
		t.Errorf("missing key: status = %d, want 401", w.Code)
	}
}

func TestRequireServiceKey_DisabledWhenUnset(t *testing.T) {
	r := gin.New()
	r.GET("/probe", RequireServiceKey(""), func(c *gin.Context) {
		c.Status(http.StatusOK)
	})

	w := doRequest(r, map[string]string{HeaderServiceKey: "anything"})
	if w.Code != http.StatusForbidden {
		t.Errorf("disabled surface: status = %d, want 403", w.Code)
	}
}
