package server

import (
	"context"
	"encoding/json"
	"math/big"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gin-gonic/gin"

	"github.com/mealtrust/mealtrust/internal/chain"
	"github.com/mealtrust/mealtrust/internal/config"
)

func init() {
	gin.SetMode(gin.TestMode)
}

// mockLedger implements Ledger for testing without a chain connection.
type mockLedger struct{}

func (m *mockLedger) LockFund(ctx context.Context, escrowID common.Hash, payee common.Address, metadata string, amount *big.Int) (*chain.Receipt, error) {
	return &chain.Receipt{TxHash: "0xlock", BlockNumber: 100}, nil
}

func (m *mockLedger) ReleaseFund(ctx context.Context, escrowID common.Hash) (*chain.Receipt, error) {
	return &chain.Receipt{TxHash: "0xrelease", BlockNumber: 101}, nil
}

func (m *mockLedger) CancelFund(ctx context.Context, escrowID common.Hash, reason string) (*chain.Receipt, error) {
	return &chain.Receipt{TxHash: "0xcancel", BlockNumber: 102}, nil
}

func (m *mockLedger) GetEscrow(ctx context.Context, escrowID common.Hash) (*chain.EscrowState, error) {
	return &chain.EscrowState{}, nil
}

func (m *mockLedger) BlockNumber(ctx context.Context) (uint64, error) {
	return 100, nil
}

func (m *mockLedger) FilterEscrowEvents(ctx context.Context, fromBlock, toBlock uint64) ([]chain.RawEvent, error) {
	return nil, nil
}

func (m *mockLedger) Address() string {
	return "0x0000000000000000000000000000000000000001"
}

func (m *mockLedger) Close() error {
	return nil
}

// testConfig returns a minimal config for testing
func testConfig() *config.Config {
	return &config.Config{
		Port:             "0",
		Env:              "development",
		LogLevel:         "error",
		RPCURL:           "http://localhost:8545",
		ChainID:          1337,
		PrivateKey:       "0000000000000000000000000000000000000000000000000000000000000001",
		EscrowContract:   "0x5FbDB2315678afecb367f032d93F642f64180aa3",
		QueueSize:        16,
		AdminSecret:      "test-secret",
		MaxApplyAttempts: 2,
	}
}

// newTestServer creates a server with mock dependencies
func newTestServer(t *testing.T) *Server {
	t.Helper()
	s, err := New(testConfig(), WithLedger(&mockLedger{}))
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

	var resp HealthResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("Failed to parse response: %v", err)
	}

	if resp.Status != "ok" {
		t.Errorf("Expected status 'ok', got %v", resp.Status)
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

func TestReadinessBeforeStart(t *testing.T) {
	s := newTestServer(t)

	w := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/health/ready", nil)
	s.router.ServeHTTP(w, req)

	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("Expected 503 before Run, got %d", w.Code)
	}
}

// ---------------------------------------------------------------------------
// Public API tests
// ---------------------------------------------------------------------------

func TestFeedStartsEmpty(t *testing.T) {
	s := newTestServer(t)

	w := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/v1/feed", nil)
	s.router.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", w.Code)
	}

	var resp map[string]interface{}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("Failed to parse response: %v", err)
	}
	if resp["count"] != float64(0) {
		t.Errorf("Expected empty feed, got count %v", resp["count"])
	}
}

func TestDemoDirectorySeeded(t *testing.T) {
	s := newTestServer(t)

	w := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/v1/schools/1", nil)
	s.router.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", w.Code)
	}

	var school map[string]interface{}
	if err := json.Unmarshal(w.Body.Bytes(), &school); err != nil {
		t.Fatalf("Failed to parse response: %v", err)
	}
	if school["name"] != "SDN 01 Menteng" {
		t.Errorf("Expected seeded school, got %v", school["name"])
	}
}

func TestMetricsEndpoint(t *testing.T) {
	s := newTestServer(t)

	w := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/metrics", nil)
	s.router.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("Expected 200, got %d", w.Code)
	}
}

// ---------------------------------------------------------------------------
// Admin auth tests
// ---------------------------------------------------------------------------

func TestAdminRequiresSecret(t *testing.T) {
	s := newTestServer(t)

	w := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/v1/admin/stats", nil)
	s.router.ServeHTTP(w, req)

	if w.Code != http.StatusUnauthorized {
		t.Errorf("Expected 401 without secret, got %d", w.Code)
	}
}

func TestAdminWithSecret(t *testing.T) {
	s := newTestServer(t)

	w := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/v1/admin/stats", nil)
	req.Header.Set("X-Admin-Secret", "test-secret")
	s.router.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("Expected 200 with secret, got %d", w.Code)
	}
}

// ---------------------------------------------------------------------------
// Middleware tests
// ---------------------------------------------------------------------------

func TestRequestIDAssigned(t *testing.T) {
	s := newTestServer(t)

	w := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/health/live", nil)
	s.router.ServeHTTP(w, req)

	if w.Header().Get("X-Request-ID") == "" {
		t.Error("Expected X-Request-ID header to be set")
	}
}

func TestRequestIDPropagated(t *testing.T) {
	s := newTestServer(t)

	w := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/health/live", nil)
	req.Header.Set("X-Request-ID", "trace-me-123")
	s.router.ServeHTTP(w, req)

	if got := w.Header().Get("X-Request-ID"); got != "trace-me-123" {
		t.Errorf("Expected propagated request ID, got %q", got)
	}
}

func TestSecurityHeaders(t *testing.T) {
	s := newTestServer(t)

	w := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/health/live", nil)
	s.router.ServeHTTP(w, req)

	if got := w.Header().Get("X-Content-Type-Options"); got != "nosniff" {
		t.Errorf("Expected nosniff header, got %q", got)
	}
	if w.Header().Get("Content-Security-Policy") == "" {
		t.Error("Expected Content-Security-Policy header")
	}
}

func TestCORSPreflightAllowed(t *testing.T) {
	s := newTestServer(t)

	w := httptest.NewRecorder()
	req := httptest.NewRequest("OPTIONS", "/v1/feed", nil)
	req.Header.Set("Origin", "https://transparansi.example.org")
	s.router.ServeHTTP(w, req)

	if w.Code != http.StatusNoContent {
		t.Errorf("Expected 204 for preflight, got %d", w.Code)
	}
	if got := w.Header().Get("Access-Control-Allow-Origin"); got != "https://transparansi.example.org" {
		t.Errorf("Expected origin echoed back, got %q", got)
	}
}
