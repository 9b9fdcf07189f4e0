package relayhttp

import (
	"bytes"
	"context"
	"encoding/json"
	"math/big"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/gin-gonic/gin"

	"github.com/openperp/relay"
	"github.com/openperp/relay/signers"
)

func TestMain(m *testing.M) {
	gin.SetMode(gin.TestMode)
	os.Exit(m.Run())
}

const testChainID = uint64(42161)

var (
	testRouterAddr = common.HexToAddress("0x00000000000000000000000000000000000000F1")
	testFeeToken   = common.HexToAddress("0x00000000000000000000000000000000000000AA")
	testOperator   = common.HexToAddress("0x00000000000000000000000000000000000000FE")
	testVault      = common.HexToAddress("0x00000000000000000000000000000000000000EE")
	testMarket     = common.HexToAddress("0x00000000000000000000000000000000000000CC")
)

// recordingEngine is the order engine behind HTTP tests: it hands out one
// fixed key and counts calls.
type recordingEngine struct {
	createCalls int
	nextKey     common.Hash
}

func (e *recordingEngine) CreateOrder(context.Context, common.Address, *relay.CreateOrderParams) (common.Hash, error) {
	e.createCalls++
	return e.nextKey, nil
}

func (e *recordingEngine) UpdateOrder(context.Context, common.Address, common.Hash, *relay.UpdateOrderParams) error {
	return nil
}

func (e *recordingEngine) CancelOrder(context.Context, common.Address, common.Hash) error {
	return nil
}

// harness serves a full relay stack over httptest: a journaled memory store,
// a funded principal with a subaccount, and the gin handler under test.
type harness struct {
	store   *relay.MemoryStore
	engine  *recordingEngine
	service *Service
	handler http.Handler

	signer    *signers.Signer
	subSigner *signers.Signer
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	key, err := crypto.GenerateKey()
	if err != nil {
		t.Fatalf("failed to generate key: %v", err)
	}
	subKey, err := crypto.GenerateKey()
	if err != nil {
		t.Fatalf("failed to generate key: %v", err)
	}

	store := relay.NewMemoryStore(testRouterAddr)
	engine := &recordingEngine{nextKey: common.HexToHash("0x01")}
	account := crypto.PubkeyToAddress(key.PublicKey)
	store.SetBalance(testFeeToken, account, big.NewInt(1_000_000))
	store.SetAllowance(testFeeToken, account, testRouterAddr, big.NewInt(1_000_000))

	router, err := relay.NewRouter(relay.Config{
		ChainID: testChainID,
		Address: testRouterAddr,
		Ledger:  store,
		Swap:    relay.NewMemorySwap(store),
		FeeConfig: &relay.StaticFeeConfig{
			Designated:     testFeeToken,
			DefaultBaseFee: big.NewInt(100),
			Vault:          testVault,
		},
		Engine:      engine,
		Nonces:      store,
		Delegations: store,
		State:       store,
	})
	if err != nil {
		t.Fatalf("failed to build router: %v", err)
	}

	service, err := New(router,
		WithOperator(testOperator),
		WithExpectedFeeToken(testFeeToken),
	)
	if err != nil {
		t.Fatalf("failed to build service: %v", err)
	}

	return &harness{
		store:     store,
		engine:    engine,
		service:   service,
		handler:   service.Handler(),
		signer:    signers.NewSigner(key, testChainID, testRouterAddr),
		subSigner: signers.NewSigner(subKey, testChainID, testRouterAddr),
	}
}

func (h *harness) account() common.Address    { return h.signer.Address() }
func (h *harness) subaccount() common.Address { return h.subSigner.Address() }

// orderRequest builds an unsigned create_order request paying a 500 fee in
// the designated token. A zero deadline keeps the fixture clock-independent.
func (h *harness) orderRequest(nonce uint64) *relay.RelayRequest {
	return &relay.RelayRequest{
		ChainID: testChainID,
		Account: h.account(),
		FeeParams: relay.FeeParams{
			FeeToken:  testFeeToken,
			FeeAmount: (*hexutil.Big)(big.NewInt(500)),
		},
		Action: relay.ActionPayload{
			Kind: relay.ActionCreateOrder,
			Create: &relay.CreateOrderParams{
				Market:           testMarket,
				CollateralToken:  testFeeToken,
				CollateralAmount: (*hexutil.Big)(big.NewInt(10_000)),
				SizeDeltaUSD:     (*hexutil.Big)(big.NewInt(50_000)),
				OrderType:        relay.OrderTypeMarketIncrease,
				IsLong:           true,
				Receiver:         h.account(),
			},
		},
		UserNonce: nonce,
	}
}

func (h *harness) signedOrder(t *testing.T, nonce uint64) *relay.RelayRequest {
	t.Helper()
	req := h.orderRequest(nonce)
	if err := h.signer.SignRequest(req); err != nil {
		t.Fatalf("failed to sign request: %v", err)
	}
	return req
}

func (h *harness) post(t *testing.T, path string, payload any) *httptest.ResponseRecorder {
	t.Helper()
	body, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("failed to marshal payload: %v", err)
	}
	return h.postRaw(t, path, body)
}

func (h *harness) postRaw(t *testing.T, path string, body []byte) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	h.handler.ServeHTTP(rec, req)
	return rec
}

func (h *harness) get(t *testing.T, path string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	rec := httptest.NewRecorder()
	h.handler.ServeHTTP(rec, req)
	return rec
}

func decodeReceipt(t *testing.T, rec *httptest.ResponseRecorder) *Receipt {
	t.Helper()
	var envelope struct {
		Receipt *Receipt `json:"receipt"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &envelope); err != nil {
		t.Fatalf("failed to decode receipt envelope: %v (body %s)", err, rec.Body.String())
	}
	if envelope.Receipt == nil {
		t.Fatalf("response carries no receipt: %s", rec.Body.String())
	}
	return envelope.Receipt
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) *errorBody {
	t.Helper()
	var envelope struct {
		Error *errorBody `json:"error"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &envelope); err != nil {
		t.Fatalf("failed to decode error envelope: %v (body %s)", err, rec.Body.String())
	}
	if envelope.Error == nil {
		t.Fatalf("response carries no error: %s", rec.Body.String())
	}
	return envelope.Error
}

func TestNewService(t *testing.T) {
	t.Run("Requires a router", func(t *testing.T) {
		if _, err := New(nil, WithOperator(testOperator)); err == nil {
			t.Error("expected construction to fail")
		}
	})

	t.Run("Requires an operator", func(t *testing.T) {
		h := newHarness(t)
		if _, err := New(h.service.router); err == nil {
			t.Error("expected construction to fail")
		}
	})
}

func TestOrdersEndpoint(t *testing.T) {
	t.Run("Executes a signed create order", func(t *testing.T) {
		h := newHarness(t)

		rec := h.post(t, "/v1/relay/orders", h.signedOrder(t, 0))
		if rec.Code != http.StatusOK {
			t.Fatalf("status is %d: %s", rec.Code, rec.Body.String())
		}

		receipt := decodeReceipt(t, rec)
		if !strings.HasPrefix(receipt.RequestID, "req_") {
			t.Errorf("request id is %q", receipt.RequestID)
		}
		if receipt.OrderKey == nil || *receipt.OrderKey != h.engine.nextKey {
			t.Errorf("receipt order key is %v", receipt.OrderKey)
		}
		if got := (*big.Int)(receipt.ResidualFee).Int64(); got != 400 {
			t.Errorf("residual is %d, want 400", got)
		}
		if rec.Header().Get(RequestIDHeader) == "" {
			t.Error("response is missing the request id header")
		}
		if h.engine.createCalls != 1 {
			t.Errorf("engine saw %d create calls, want 1", h.engine.createCalls)
		}
		if got := h.store.Balance(testFeeToken, testOperator).Int64(); got != 100 {
			t.Errorf("operator balance is %d, want 100", got)
		}
	})

	t.Run("Identical resubmission replays the receipt", func(t *testing.T) {
		h := newHarness(t)
		req := h.signedOrder(t, 0)

		first := h.post(t, "/v1/relay/orders", req)
		if first.Code != http.StatusOK {
			t.Fatalf("first status is %d: %s", first.Code, first.Body.String())
		}
		second := h.post(t, "/v1/relay/orders", req)
		if second.Code != http.StatusOK {
			t.Fatalf("second status is %d: %s", second.Code, second.Body.String())
		}

		if got, want := decodeReceipt(t, second).RequestID, decodeReceipt(t, first).RequestID; got != want {
			t.Errorf("replayed receipt id is %q, want %q", got, want)
		}
		if h.engine.createCalls != 1 {
			t.Errorf("engine saw %d create calls, want 1", h.engine.createCalls)
		}
		action, _, err := h.service.router.Nonces(context.Background(), h.account())
		if err != nil {
			t.Fatalf("nonce read failed: %v", err)
		}
		if action != 1 {
			t.Errorf("action nonce is %d, want 1", action)
		}
	})

	t.Run("Distinct request on a consumed nonce conflicts", func(t *testing.T) {
		h := newHarness(t)
		if rec := h.post(t, "/v1/relay/orders", h.signedOrder(t, 0)); rec.Code != http.StatusOK {
			t.Fatalf("setup status is %d: %s", rec.Code, rec.Body.String())
		}

		conflicting := h.orderRequest(0)
		conflicting.Deadline = 1_900_000_000
		if err := h.signer.SignRequest(conflicting); err != nil {
			t.Fatalf("failed to sign request: %v", err)
		}

		rec := h.post(t, "/v1/relay/orders", conflicting)
		if rec.Code != http.StatusConflict {
			t.Fatalf("status is %d: %s", rec.Code, rec.Body.String())
		}
		if body := decodeError(t, rec); body.Code != string(relay.ErrNonceMismatch) {
			t.Errorf("error code is %q, want nonce_mismatch", body.Code)
		}
	})

	t.Run("Wrong signer is unauthorized", func(t *testing.T) {
		h := newHarness(t)
		req := h.orderRequest(0)
		if err := h.subSigner.SignRequest(req); err != nil {
			t.Fatalf("failed to sign request: %v", err)
		}

		rec := h.post(t, "/v1/relay/orders", req)
		if rec.Code != http.StatusUnauthorized {
			t.Fatalf("status is %d: %s", rec.Code, rec.Body.String())
		}
		if body := decodeError(t, rec); body.Code != string(relay.ErrSignatureInvalid) {
			t.Errorf("error code is %q, want signature_invalid", body.Code)
		}
	})

	t.Run("Schema violations are listed", func(t *testing.T) {
		h := newHarness(t)

		rec := h.postRaw(t, "/v1/relay/orders", []byte(`{"chainId": 42161}`))
		if rec.Code != http.StatusBadRequest {
			t.Fatalf("status is %d: %s", rec.Code, rec.Body.String())
		}
		body := decodeError(t, rec)
		if body.Code != string(relay.ErrInvalidRequest) {
			t.Errorf("error code is %q", body.Code)
		}
		if len(body.Details) == 0 {
			t.Error("expected schema violations in the details")
		}
	})

	t.Run("Unknown fields are rejected", func(t *testing.T) {
		h := newHarness(t)
		payload := map[string]any{
			"chainId":   testChainID,
			"account":   h.account().Hex(),
			"feeParams": map[string]any{"feeToken": testFeeToken.Hex(), "feeAmount": "0x1f4"},
			"action":    map[string]any{"kind": "cancel_order", "key": "0x" + strings.Repeat("11", 32)},
			"userNonce": 0,
			"signature": "0x",
			"gasLimit":  21000,
		}

		rec := h.post(t, "/v1/relay/orders", payload)
		if rec.Code != http.StatusBadRequest {
			t.Fatalf("status is %d: %s", rec.Code, rec.Body.String())
		}
	})

	t.Run("Malformed JSON is rejected", func(t *testing.T) {
		h := newHarness(t)

		rec := h.postRaw(t, "/v1/relay/orders", []byte(`{"chainId": `))
		if rec.Code != http.StatusBadRequest {
			t.Fatalf("status is %d: %s", rec.Code, rec.Body.String())
		}
		if body := decodeError(t, rec); body.Code != string(relay.ErrInvalidRequest) {
			t.Errorf("error code is %q", body.Code)
		}
	})

	t.Run("Failed requests are retryable", func(t *testing.T) {
		h := newHarness(t)

		// Fee below the 100 base: rejected with 402 and never cached.
		req := h.orderRequest(0)
		req.FeeParams.FeeAmount = (*hexutil.Big)(big.NewInt(50))
		if err := h.signer.SignRequest(req); err != nil {
			t.Fatalf("failed to sign request: %v", err)
		}
		rec := h.post(t, "/v1/relay/orders", req)
		if rec.Code != http.StatusPaymentRequired {
			t.Fatalf("status is %d: %s", rec.Code, rec.Body.String())
		}

		// The failure was not cached: the same bytes re-execute instead of
		// replaying a receipt or reporting an in-flight duplicate.
		if rec := h.post(t, "/v1/relay/orders", req); rec.Code != http.StatusPaymentRequired {
			t.Fatalf("resubmission status is %d: %s", rec.Code, rec.Body.String())
		}

		if rec := h.post(t, "/v1/relay/orders", h.signedOrder(t, 0)); rec.Code != http.StatusOK {
			t.Fatalf("corrected request status is %d: %s", rec.Code, rec.Body.String())
		}
	})
}

func TestDelegationOverHTTP(t *testing.T) {
	h := newHarness(t)

	approval := &relay.SubaccountApproval{
		Subaccount:      h.subaccount(),
		MaxAllowedCount: 2,
		ActionType:      relay.ActionTypeOrder,
		Nonce:           0,
	}
	if err := h.signer.SignApproval(approval); err != nil {
		t.Fatalf("failed to sign approval: %v", err)
	}

	req := h.orderRequest(0)
	req.Subaccount = h.subaccount()
	req.Approval = approval
	if err := h.subSigner.SignRequest(req); err != nil {
		t.Fatalf("failed to sign request: %v", err)
	}

	if rec := h.post(t, "/v1/relay/orders", req); rec.Code != http.StatusOK {
		t.Fatalf("delegated order status is %d: %s", rec.Code, rec.Body.String())
	}

	delegationPath := "/v1/relay/accounts/" + h.account().Hex() +
		"/subaccounts/" + h.subaccount().Hex() + "/delegations/order"

	rec := h.get(t, delegationPath)
	if rec.Code != http.StatusOK {
		t.Fatalf("delegation read status is %d: %s", rec.Code, rec.Body.String())
	}
	var delegation struct {
		State      string           `json:"state"`
		Delegation relay.Delegation `json:"delegation"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &delegation); err != nil {
		t.Fatalf("failed to decode delegation: %v", err)
	}
	if delegation.State != string(relay.DelegationActive) {
		t.Errorf("delegation state is %q, want active", delegation.State)
	}
	if delegation.Delegation.CurrentCount != 1 || delegation.Delegation.MaxAllowedCount != 2 {
		t.Errorf("delegation is %+v", delegation.Delegation)
	}

	remove := &relay.RemoveSubaccountRequest{
		ChainID:    testChainID,
		Account:    h.account(),
		Subaccount: h.subaccount(),
		FeeParams: relay.FeeParams{
			FeeToken:  testFeeToken,
			FeeAmount: (*hexutil.Big)(big.NewInt(500)),
		},
		UserNonce: 1,
	}
	if err := h.signer.SignRemoveSubaccount(remove); err != nil {
		t.Fatalf("failed to sign revocation: %v", err)
	}

	rec = h.post(t, "/v1/relay/subaccounts/remove", remove)
	if rec.Code != http.StatusOK {
		t.Fatalf("revocation status is %d: %s", rec.Code, rec.Body.String())
	}
	receipt := decodeReceipt(t, rec)
	if receipt.OrderKey != nil {
		t.Errorf("revocation receipt carries order key %s", receipt.OrderKey.Hex())
	}
	if got := (*big.Int)(receipt.ResidualFee).Int64(); got != 400 {
		t.Errorf("revocation residual is %d, want 400", got)
	}

	rec = h.get(t, delegationPath)
	if rec.Code != http.StatusOK {
		t.Fatalf("delegation re-read status is %d: %s", rec.Code, rec.Body.String())
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &delegation); err != nil {
		t.Fatalf("failed to decode delegation: %v", err)
	}
	if delegation.State != string(relay.DelegationUnset) {
		t.Errorf("delegation state is %q after revocation, want unset", delegation.State)
	}
}

func TestReadEndpoints(t *testing.T) {
	t.Run("Nonces reflect executed requests", func(t *testing.T) {
		h := newHarness(t)
		if rec := h.post(t, "/v1/relay/orders", h.signedOrder(t, 0)); rec.Code != http.StatusOK {
			t.Fatalf("setup status is %d: %s", rec.Code, rec.Body.String())
		}

		rec := h.get(t, "/v1/relay/accounts/"+h.account().Hex()+"/nonces")
		if rec.Code != http.StatusOK {
			t.Fatalf("status is %d: %s", rec.Code, rec.Body.String())
		}
		var nonces struct {
			Account  string `json:"account"`
			Action   uint64 `json:"action"`
			Approval uint64 `json:"approval"`
		}
		if err := json.Unmarshal(rec.Body.Bytes(), &nonces); err != nil {
			t.Fatalf("failed to decode nonces: %v", err)
		}
		if nonces.Action != 1 || nonces.Approval != 0 {
			t.Errorf("nonces are %d/%d, want 1/0", nonces.Action, nonces.Approval)
		}
	})

	t.Run("Invalid address parameter is rejected", func(t *testing.T) {
		h := newHarness(t)
		rec := h.get(t, "/v1/relay/accounts/not-an-address/nonces")
		if rec.Code != http.StatusBadRequest {
			t.Fatalf("status is %d: %s", rec.Code, rec.Body.String())
		}
	})

	t.Run("Unknown delegation reads as unset", func(t *testing.T) {
		h := newHarness(t)
		rec := h.get(t, "/v1/relay/accounts/"+h.account().Hex()+
			"/subaccounts/"+h.subaccount().Hex()+"/delegations/order")
		if rec.Code != http.StatusOK {
			t.Fatalf("status is %d: %s", rec.Code, rec.Body.String())
		}
		if !strings.Contains(rec.Body.String(), string(relay.DelegationUnset)) {
			t.Errorf("body is %s", rec.Body.String())
		}
	})

	t.Run("Health check responds", func(t *testing.T) {
		h := newHarness(t)
		rec := h.get(t, "/healthz")
		if rec.Code != http.StatusOK {
			t.Fatalf("status is %d", rec.Code)
		}
	})

	t.Run("Metrics are exposed", func(t *testing.T) {
		h := newHarness(t)
		if rec := h.post(t, "/v1/relay/orders", h.signedOrder(t, 0)); rec.Code != http.StatusOK {
			t.Fatalf("setup status is %d: %s", rec.Code, rec.Body.String())
		}

		rec := h.get(t, "/metrics")
		if rec.Code != http.StatusOK {
			t.Fatalf("status is %d", rec.Code)
		}
		if !strings.Contains(rec.Body.String(), "relay_requests_total") {
			t.Error("metrics output is missing the request counter")
		}
	})
}
