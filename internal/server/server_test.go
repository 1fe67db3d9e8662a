package server

import (
	"context"
	"encoding/json"
	"math/big"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gin-gonic/gin"

	"github.com/mbd888/paychain/internal/chain"
	"github.com/mbd888/paychain/internal/config"
	"github.com/mbd888/paychain/internal/identity"
)

func init() {
	gin.SetMode(gin.TestMode)
}

// mockChain implements settlement.ChainClient for testing
type mockChain struct{}

func (m *mockChain) Lock(ctx context.Context, jobID int64, timeLimitHours int, amountWei *big.Int, employer common.Address) (*chain.Receipt, error) {
	return &chain.Receipt{TxHash: "0xmocklock", BlockNumber: 1, GasUsed: 21000}, nil
}

func (m *mockChain) Release(ctx context.Context, jobID int64, worker common.Address) (*chain.Receipt, error) {
	return &chain.Receipt{TxHash: "0xmockrelease", BlockNumber: 2, GasUsed: 21000}, nil
}

func (m *mockChain) Refund(ctx context.Context, jobID int64) (*chain.Receipt, error) {
	return &chain.Receipt{TxHash: "0xmockrefund", BlockNumber: 3, GasUsed: 21000}, nil
}

func (m *mockChain) Cancel(ctx context.Context, jobID int64, employer common.Address) (*chain.Receipt, error) {
	return &chain.Receipt{TxHash: "0xmockcancel", BlockNumber: 4, GasUsed: 21000}, nil
}

func (m *mockChain) BalanceOf(ctx context.Context, addr common.Address) (*big.Int, error) {
	return big.NewInt(1000000), nil
}

func (m *mockChain) JobBalance(ctx context.Context, jobID int64) (*big.Int, error) {
	return big.NewInt(0), nil
}

func (m *mockChain) ContractStats(ctx context.Context) (*chain.Stats, error) {
	return &chain.Stats{TotalLockedWei: big.NewInt(0), TotalFeesWei: big.NewInt(0), ContractBalance: big.NewInt(0)}, nil
}

func (m *mockChain) ContractAddress() string { return "0x0000000000000000000000000000000000000001" }

func (m *mockChain) IsReachable(ctx context.Context) bool { return true }

// mockUsers resolves every user to a deterministic wallet
type mockUsers struct{}

func (m *mockUsers) Resolve(ctx context.Context, id int64) (identity.User, error) {
	return identity.User{
		ID:         id,
		Username:   "user",
		WalletAddr: "0x00000000000000000000000000000000000000aa",
	}, nil
}

// testConfig returns a minimal config for testing
func testConfig() *config.Config {
	return &config.Config{
		Port:               "0",
		Env:                "development",
		LogLevel:           "error",
		RPCURL:             config.DefaultRPCURL,
		ChainID:            config.DefaultChainID,
		ContractAddress:    "0x0000000000000000000000000000000000000001",
		PlatformPrivateKey: "0000000000000000000000000000000000000000000000000000000000000001",
		ConfirmTimeout:     90 * time.Second,
		FeeRate:            0.02,
		USDToETH:           0.000244,
		PayMinUSD:          10,
		PayMaxUSD:          50000,
		TimeLimitMax:       720,
		ServiceAPIKey:      "svc-secret",
		SweepInterval:      time.Minute,
	}
}

// newTestServer creates a server with mock dependencies
func newTestServer(t *testing.T) *Server {
	t.Helper()
	s, err := New(testConfig(), WithChainClient(&mockChain{}), WithUserResolver(&mockUsers{}))
	if err != nil {
		t.Fatalf("Failed to create server: %v", err)
	}
	return s
}

// ---------------------------------------------------------------------------
// Health endpoint tests
// ---------------------------------------------------------------------------

func TestHealthEndpoint(t *testing.T) {
	s := newTestServer(t)

	w := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/health", nil)
	s.router.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("Expected 200, got %d", w.Code)
	}

	var resp map[string]interface{}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("Failed to parse response: %v", err)
	}

	if resp["status"] != "healthy" {
		t.Errorf("Expected status 'healthy', got %v", resp["status"])
	}
}

func TestLivenessEndpoint(t *testing.T) {
	s := newTestServer(t)

	w := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/health/live", nil)
	s.router.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("Expected 200, got %d", w.Code)
	}
}

func TestReadinessEndpoint(t *testing.T) {
	s := newTestServer(t)

	w := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/health/ready", nil)
	s.router.ServeHTTP(w, req)

	// Server hasn't called Run() so ready is false
	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("Expected 503 (not ready), got %d", w.Code)
	}
}

// ---------------------------------------------------------------------------
// Route registration tests
// ---------------------------------------------------------------------------

func TestJobRoutesRegistered(t *testing.T) {
	s := newTestServer(t)

	routes := s.router.Routes()
	jobRoutes := map[string]bool{
		"GET:/v1/jobs":               false,
		"GET:/v1/jobs/:id":           false,
		"GET:/v1/jobs/my-jobs":       false,
		"POST:/v1/jobs":              false,
		"PUT:/v1/jobs/:id":           false,
		"DELETE:/v1/jobs/:id":        false,
		"PUT:/v1/jobs/:id/accept":    false,
		"POST:/v1/jobs/:id/withdraw": false,
		"PUT:/v1/jobs/:id/checklist": false,
		"POST:/v1/jobs/:id/complete": false,
		"POST:/v1/jobs/:id/refund":   false,
		"GET:/v1/jobs/expired":       false,
		"POST:/v1/escrow/lock":       false,
		"POST:/v1/escrow/release":    false,
		"POST:/v1/escrow/refund":     false,
		"POST:/v1/escrow/cancel":     false,
		"GET:/v1/escrow/stats":       false,
		"GET:/v1/balance/:address":   false,
	}

	for _, route := range routes {
		key := route.Method + ":" + route.Path
		if _, ok := jobRoutes[key]; ok {
			jobRoutes[key] = true
		}
	}

	for route, found := range jobRoutes {
		if !found {
			t.Errorf("Job route %s not registered", route)
		}
	}
}

func TestCoreRoutesRegistered(t *testing.T) {
	s := newTestServer(t)

	routes := s.router.Routes()
	expected := []string{
		"GET:/health",
		"GET:/health/live",
		"GET:/health/ready",
		"GET:/metrics",
		"GET:/ws",
		"GET:/api",
	}

	routeSet := make(map[string]bool)
	for _, route := range routes {
		routeSet[route.Method+":"+route.Path] = true
	}

	for _, e := range expected {
		if !routeSet[e] {
			t.Errorf("Core route %s not registered", e)
		}
	}
}

// ---------------------------------------------------------------------------
// Auth boundary tests
// ---------------------------------------------------------------------------

func TestProtectedRouteRequiresIdentity(t *testing.T) {
	s := newTestServer(t)

	w := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/v1/jobs/my-jobs", nil)
	s.router.ServeHTTP(w, req)

	if w.Code != http.StatusUnauthorized {
		t.Errorf("Expected 401 without identity headers, got %d", w.Code)
	}
}

func TestServiceRouteRequiresKey(t *testing.T) {
	s := newTestServer(t)

	w := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/v1/jobs/expired", nil)
	s.router.ServeHTTP(w, req)
	if w.Code != http.StatusUnauthorized && w.Code != http.StatusForbidden {
		t.Errorf("Expected 401/403 without service key, got %d", w.Code)
	}

	w = httptest.NewRecorder()
	req = httptest.NewRequest("GET", "/v1/jobs/expired", nil)
	req.Header.Set("X-Service-Key", "svc-secret")
	s.router.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Errorf("Expected 200 with service key, got %d: %s", w.Code, w.Body.String())
	}
}

func TestBalanceRouteValidatesAddress(t *testing.T) {
	s := newTestServer(t)

	w := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/v1/balance/not-an-address", nil)
	req.Header.Set("X-User-Id", "1")
	req.Header.Set("X-User-Role", "employer")
	s.router.ServeHTTP(w, req)

	if w.Code != http.StatusBadRequest {
		t.Errorf("Expected 400 for malformed address, got %d", w.Code)
	}
}

// ---------------------------------------------------------------------------
// End-to-end posting test
// ---------------------------------------------------------------------------

func TestJobPostingThroughRouter(t *testing.T) {
	s := newTestServer(t)

	body := `{
		"title": "Write a blog post",
		"description": "A 1500 word article about local-first software.",
		"jobType": "writing",
		"payAmountUsd": 100,
		"timeLimitHours": 48,
		"checklist": ["Outline", "Draft", "Revise", "Deliver"]
	}`
	w := httptest.NewRecorder()
	req := httptest.NewRequest("POST", "/v1/jobs", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-User-Id", "7")
	req.Header.Set("X-User-Role", "employer")
	s.router.ServeHTTP(w, req)

	if w.Code != http.StatusCreated {
		t.Fatalf("Expected 201, got %d: %s", w.Code, w.Body.String())
	}

	var resp map[string]interface{}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("Failed to parse response: %v", err)
	}
	job, ok := resp["job"].(map[string]interface{})
	if !ok {
		t.Fatalf("Expected job in response, got %v", resp)
	}
	if job["paymentStatus"] != "locked" {
		t.Errorf("Expected payment locked at creation, got %v", job["paymentStatus"])
	}
}

// ---------------------------------------------------------------------------
// 404 test
// ---------------------------------------------------------------------------

func TestNotFoundRoute(t *testing.T) {
	s := newTestServer(t)

	w := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/v1/nonexistent", nil)
	s.router.ServeHTTP(w, req)

	if w.Code != http.StatusNotFound {
		t.Errorf("Expected 404, got %d", w.Code)
	}
}
