package server_test

import (
	"encoding/json"
	"math/big"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"StakeVault/internal/observability"
	"StakeVault/internal/server"
	"StakeVault/internal/vault"
	"StakeVault/internal/venue"
	"StakeVault/internal/venue/venuetest"

	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog"
)

var (
	testBase       = common.HexToAddress("0x0000000000000000000000000000000000001001")
	testDerivative = common.HexToAddress("0x0000000000000000000000000000000000001002")
	testReceipt    = common.HexToAddress("0x0000000000000000000000000000000000001003")
	testReward     = common.HexToAddress("0x0000000000000000000000000000000000001004")

	testVaultAddr = common.HexToAddress("0x0000000000000000000000000000000000000001")
	testAdmin     = common.HexToAddress("0x0000000000000000000000000000000000000002")

	testAlice = common.HexToAddress("0x00000000000000000000000000000000000000a1")
)

type serverHarness struct {
	bank   *venuetest.Bank
	vault  *vault.Vault
	router http.Handler
}

func newTestServer(t *testing.T) *serverHarness {
	t.Helper()

	bank := venuetest.NewBank()
	staking := venuetest.NewStaking(bank, common.HexToAddress("0x0000000000000000000000000000000000000101"), testBase, testDerivative)
	lending := venuetest.NewLending(bank, common.HexToAddress("0x0000000000000000000000000000000000000102"), testReceipt)
	reward := venuetest.NewReward(bank)
	swap := venuetest.NewSwap(bank, common.HexToAddress("0x0000000000000000000000000000000000000103"))
	swap.SetRate(testReward, testBase, 1, 1)

	path, err := venue.EncodePath([]common.Address{testReward, testBase}, []uint32{3000})
	if err != nil {
		t.Fatalf("encode swap path: %v", err)
	}

	v := vault.NewVault(
		vault.Config{
			VaultAddress:    testVaultAddr,
			Administrator:   testAdmin,
			BaseToken:       testBase,
			DerivativeToken: testDerivative,
			ReceiptToken:    testReceipt,
			RewardToken:     testReward,
			SwapPath:        path,
			SwapDeadline:    5 * time.Minute,
			SwapMinOutBps:   9500,
		},
		venue.Venues{Staking: staking, Lending: lending, Reward: reward, Swap: swap, Tokens: bank},
		make(chan vault.Output, 64), nil,
		zerolog.Nop(), nil,
	)

	health := observability.NewHealthChecker()
	health.SetReady(true)
	deduper := server.NewRequestDeduper(16, nil, nil)
	srv := server.New(v, nil, deduper, nil, health, zerolog.Nop(), nil)

	return &serverHarness{bank: bank, vault: v, router: srv.Router()}
}

func (h *serverHarness) do(method, target, caller, idemKey, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	if caller != "" {
		req.Header.Set("X-Caller-Address", caller)
	}
	if idemKey != "" {
		req.Header.Set("X-Idempotency-Key", idemKey)
	}
	rec := httptest.NewRecorder()
	h.router.ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var out map[string]interface{}
	if err := json.NewDecoder(rec.Body).Decode(&out); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return out
}

func TestServer_DepositNative_MintsShares(t *testing.T) {
	h := newTestServer(t)
	h.bank.Mint(testBase, testAlice, big.NewInt(100))

	rec := h.do(http.MethodPost, "/v1/deposits/native", testAlice.Hex(), "", `{"amount":"100"}`)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body)
	}
	body := decodeBody(t, rec)
	if body["shares"] != "100" {
		t.Errorf("expected 100 shares, got %v", body["shares"])
	}
	if body["sequence"] != float64(0) {
		t.Errorf("expected sequence 0, got %v", body["sequence"])
	}
	if got := h.vault.SharesOf(testAlice); got.Cmp(big.NewInt(100)) != 0 {
		t.Errorf("expected alice to hold 100 shares, got %s", got)
	}
}

func TestServer_Deposit_MissingCallerHeader(t *testing.T) {
	h := newTestServer(t)

	rec := h.do(http.MethodPost, "/v1/deposits/native", "", "", `{"amount":"100"}`)
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("expected 401, got %d", rec.Code)
	}
}

func TestServer_Deposit_InvalidCallerHeader(t *testing.T) {
	h := newTestServer(t)

	rec := h.do(http.MethodPost, "/v1/deposits/native", "not-an-address", "", `{"amount":"100"}`)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", rec.Code)
	}
}

func TestServer_Deposit_InvalidAmount(t *testing.T) {
	h := newTestServer(t)

	for _, amount := range []string{"", "abc", "-5", "1.5"} {
		rec := h.do(http.MethodPost, "/v1/deposits/native", testAlice.Hex(), "", `{"amount":"`+amount+`"}`)
		if rec.Code != http.StatusBadRequest {
			t.Errorf("amount %q: expected 400, got %d", amount, rec.Code)
		}
	}
}

func TestServer_Deposit_ZeroAmountMapsToBadRequest(t *testing.T) {
	h := newTestServer(t)

	rec := h.do(http.MethodPost, "/v1/deposits/native", testAlice.Hex(), "", `{"amount":"0"}`)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for zero deposit, got %d", rec.Code)
	}
}

func TestServer_Deposit_DuplicateIdempotencyKey(t *testing.T) {
	h := newTestServer(t)
	h.bank.Mint(testBase, testAlice, big.NewInt(200))

	first := h.do(http.MethodPost, "/v1/deposits/native", testAlice.Hex(), "req-1", `{"amount":"100"}`)
	if first.Code != http.StatusOK {
		t.Fatalf("first request failed: %d", first.Code)
	}
	firstBody := decodeBody(t, first)

	second := h.do(http.MethodPost, "/v1/deposits/native", testAlice.Hex(), "req-1", `{"amount":"100"}`)
	if second.Code != http.StatusOK {
		t.Fatalf("replay failed: %d", second.Code)
	}
	secondBody := decodeBody(t, second)

	if secondBody["duplicate"] != true {
		t.Errorf("expected duplicate response, got %v", secondBody)
	}
	if secondBody["sequence"] != firstBody["sequence"] {
		t.Errorf("expected replay to echo sequence %v, got %v", firstBody["sequence"], secondBody["sequence"])
	}
	// The replay must not run the pipeline again.
	if got := h.vault.SharesOf(testAlice); got.Cmp(big.NewInt(100)) != 0 {
		t.Errorf("expected a single deposit applied, alice holds %s shares", got)
	}
}

func TestServer_Withdraw_InsufficientSharesMapsToConflict(t *testing.T) {
	h := newTestServer(t)
	h.bank.Mint(testBase, testAlice, big.NewInt(50))
	if rec := h.do(http.MethodPost, "/v1/deposits/native", testAlice.Hex(), "", `{"amount":"50"}`); rec.Code != http.StatusOK {
		t.Fatalf("seed deposit failed: %d", rec.Code)
	}

	rec := h.do(http.MethodPost, "/v1/withdrawals", testAlice.Hex(), "", `{"assets":"500"}`)
	if rec.Code != http.StatusConflict {
		t.Errorf("expected 409, got %d: %s", rec.Code, rec.Body)
	}
}

func TestServer_Compound_UnauthorizedMapsToForbidden(t *testing.T) {
	h := newTestServer(t)

	rec := h.do(http.MethodPost, "/v1/compound", testAlice.Hex(), "", "")
	if rec.Code != http.StatusForbidden {
		t.Errorf("expected 403, got %d", rec.Code)
	}
}

func TestServer_Compound_ZeroHarvestMapsToUnprocessable(t *testing.T) {
	h := newTestServer(t)
	h.bank.Mint(testBase, testAlice, big.NewInt(100))
	if rec := h.do(http.MethodPost, "/v1/deposits/native", testAlice.Hex(), "", `{"amount":"100"}`); rec.Code != http.StatusOK {
		t.Fatalf("seed deposit failed: %d", rec.Code)
	}

	rec := h.do(http.MethodPost, "/v1/compound", testAdmin.Hex(), "", "")
	if rec.Code != http.StatusUnprocessableEntity {
		t.Errorf("expected 422, got %d: %s", rec.Code, rec.Body)
	}
}

func TestServer_AdminTransfer_MovesAuthority(t *testing.T) {
	h := newTestServer(t)

	rec := h.do(http.MethodPost, "/v1/administrator", testAdmin.Hex(), "", `{"next":"`+testAlice.Hex()+`"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body)
	}
	if got := h.vault.Administrator(); got != testAlice {
		t.Errorf("expected administrator %s, got %s", testAlice, got)
	}
}

func TestServer_Assets_ReturnsLiveTotal(t *testing.T) {
	h := newTestServer(t)
	h.bank.Mint(testBase, testAlice, big.NewInt(100))
	if rec := h.do(http.MethodPost, "/v1/deposits/native", testAlice.Hex(), "", `{"amount":"100"}`); rec.Code != http.StatusOK {
		t.Fatalf("seed deposit failed: %d", rec.Code)
	}

	rec := h.do(http.MethodGet, "/v1/assets", "", "", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	body := decodeBody(t, rec)
	if body["total_assets"] != "100" {
		t.Errorf("expected total assets 100, got %v", body["total_assets"])
	}
}

func TestServer_PreviewRoutes_QuoteShares(t *testing.T) {
	h := newTestServer(t)
	h.bank.Mint(testBase, testAlice, big.NewInt(150))
	if rec := h.do(http.MethodPost, "/v1/deposits/native", testAlice.Hex(), "", `{"amount":"150"}`); rec.Code != http.StatusOK {
		t.Fatalf("seed deposit failed: %d", rec.Code)
	}

	for _, route := range []string{"/v1/preview/deposit", "/v1/preview/withdraw"} {
		rec := h.do(http.MethodGet, route+"?assets=50", "", "", "")
		if rec.Code != http.StatusOK {
			t.Fatalf("%s: expected 200, got %d", route, rec.Code)
		}
		body := decodeBody(t, rec)
		if body["shares"] != "50" {
			t.Errorf("%s: expected 50 shares at par, got %v", route, body["shares"])
		}
	}

	if rec := h.do(http.MethodGet, "/v1/preview/deposit?assets=abc", "", "", ""); rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for a malformed amount, got %d", rec.Code)
	}
	if rec := h.do(http.MethodGet, "/v1/preview/withdraw", "", "", ""); rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for a missing amount, got %d", rec.Code)
	}
}

func TestServer_Pool_ReturnsLiveTotals(t *testing.T) {
	h := newTestServer(t)
	h.bank.Mint(testBase, testAlice, big.NewInt(100))
	if rec := h.do(http.MethodPost, "/v1/deposits/native", testAlice.Hex(), "", `{"amount":"100"}`); rec.Code != http.StatusOK {
		t.Fatalf("seed deposit failed: %d", rec.Code)
	}

	rec := h.do(http.MethodGet, "/v1/pool", "", "", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	body := decodeBody(t, rec)
	if body["total_assets"] != "100" {
		t.Errorf("expected total assets 100, got %v", body["total_assets"])
	}
	if body["total_shares"] != "100" {
		t.Errorf("expected total shares 100, got %v", body["total_shares"])
	}
}

func TestServer_LiveShares_ByAddress(t *testing.T) {
	h := newTestServer(t)
	h.bank.Mint(testBase, testAlice, big.NewInt(70))
	if rec := h.do(http.MethodPost, "/v1/deposits/native", testAlice.Hex(), "", `{"amount":"70"}`); rec.Code != http.StatusOK {
		t.Fatalf("seed deposit failed: %d", rec.Code)
	}

	rec := h.do(http.MethodGet, "/v1/holders/"+testAlice.Hex()+"/shares", "", "", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	body := decodeBody(t, rec)
	if body["shares"] != "70" {
		t.Errorf("expected 70 shares, got %v", body["shares"])
	}

	if rec := h.do(http.MethodGet, "/v1/holders/nope/shares", "", "", ""); rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for a bad address, got %d", rec.Code)
	}
}

func TestServer_HealthProbes(t *testing.T) {
	h := newTestServer(t)

	if rec := h.do(http.MethodGet, "/healthz", "", "", ""); rec.Code != http.StatusOK {
		t.Errorf("expected liveness 200, got %d", rec.Code)
	}
	if rec := h.do(http.MethodGet, "/readyz", "", "", ""); rec.Code != http.StatusOK {
		t.Errorf("expected readiness 200, got %d", rec.Code)
	}
}
