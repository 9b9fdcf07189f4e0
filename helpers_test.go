package relay

import (
	"context"
	"crypto/ecdsa"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
)

const testChainID = uint64(42161)

var (
	testRouterAddr = common.HexToAddress("0x00000000000000000000000000000000000000F1")
	testFeeToken   = common.HexToAddress("0x00000000000000000000000000000000000000AA")
	testPayToken   = common.HexToAddress("0x00000000000000000000000000000000000000BB")
	testOperator   = common.HexToAddress("0x00000000000000000000000000000000000000FE")
	testVault      = common.HexToAddress("0x00000000000000000000000000000000000000EE")
	testMarket     = common.HexToAddress("0x00000000000000000000000000000000000000CC")
)

func hexBig(v int64) *hexutil.Big {
	return (*hexutil.Big)(big.NewInt(v))
}

func testKey(t *testing.T) *ecdsa.PrivateKey {
	t.Helper()
	key, err := crypto.GenerateKey()
	if err != nil {
		t.Fatalf("failed to generate key: %v", err)
	}
	return key
}

// signDigest signs like a wallet: recovery id shifted to 27/28.
func signDigest(t *testing.T, key *ecdsa.PrivateKey, digest common.Hash) hexutil.Bytes {
	t.Helper()
	sig, err := crypto.Sign(digest.Bytes(), key)
	if err != nil {
		t.Fatalf("failed to sign digest: %v", err)
	}
	sig[crypto.RecoveryIDOffset] += 27
	return sig
}

// rig bundles a Router over the journaled memory substrate with a funded
// principal and a subaccount key, under a controllable clock.
type rig struct {
	store  *MemoryStore
	swap   *MemorySwap
	engine *stubEngine
	oracle *stubOracle
	router *Router

	nowSec int64

	key        *ecdsa.PrivateKey
	account    common.Address
	subKey     *ecdsa.PrivateKey
	subaccount common.Address
}

func newRig(t *testing.T) *rig {
	t.Helper()

	key := testKey(t)
	subKey := testKey(t)
	store := NewMemoryStore(testRouterAddr)
	swap := NewMemorySwap(store)
	swap.SetRate(testPayToken, testFeeToken, big.NewInt(2), big.NewInt(1))

	r := &rig{
		store:      store,
		swap:       swap,
		engine:     &stubEngine{nextKey: common.HexToHash("0x01")},
		oracle:     &stubOracle{},
		nowSec:     1_700_000_000,
		key:        key,
		account:    crypto.PubkeyToAddress(key.PublicKey),
		subKey:     subKey,
		subaccount: crypto.PubkeyToAddress(subKey.PublicKey),
	}

	store.SetBalance(testFeeToken, r.account, big.NewInt(1_000_000))
	store.SetAllowance(testFeeToken, r.account, testRouterAddr, big.NewInt(1_000_000))
	store.SetBalance(testPayToken, r.account, big.NewInt(1_000_000))
	store.SetAllowance(testPayToken, r.account, testRouterAddr, big.NewInt(1_000_000))

	router, err := NewRouter(Config{
		ChainID: testChainID,
		Address: testRouterAddr,
		Ledger:  store,
		Swap:    swap,
		FeeConfig: &StaticFeeConfig{
			Designated:     testFeeToken,
			DefaultBaseFee: big.NewInt(100),
			Vault:          testVault,
		},
		Engine:      r.engine,
		Oracle:      r.oracle,
		Nonces:      store,
		Delegations: store,
		State:       store,
		Now:         func() time.Time { return time.Unix(r.nowSec, 0) },
	})
	if err != nil {
		t.Fatalf("failed to build router: %v", err)
	}
	r.router = router
	return r
}

func (r *rig) rctx() *RelayContext {
	return &RelayContext{Operator: testOperator}
}

// createRequest builds an unsigned direct create_order request paying a 500
// fee in the designated token.
func (r *rig) createRequest(nonce uint64) *RelayRequest {
	return &RelayRequest{
		ChainID: testChainID,
		Account: r.account,
		FeeParams: FeeParams{
			FeeToken:  testFeeToken,
			FeeAmount: hexBig(500),
		},
		Action: ActionPayload{
			Kind: ActionCreateOrder,
			Create: &CreateOrderParams{
				Market:           testMarket,
				CollateralToken:  testFeeToken,
				CollateralAmount: hexBig(10_000),
				SizeDeltaUSD:     hexBig(50_000),
				AcceptablePrice:  hexBig(2_000),
				OrderType:        OrderTypeMarketIncrease,
				IsLong:           true,
				Receiver:         r.account,
			},
		},
		UserNonce: nonce,
		Deadline:  uint64(r.nowSec) + 600,
	}
}

// sign signs req's action digest with key and attaches the signature.
func (r *rig) sign(t *testing.T, key *ecdsa.PrivateKey, req *RelayRequest) {
	t.Helper()
	digest, err := ActionDigest(testChainID, testRouterAddr, req)
	if err != nil {
		t.Fatalf("failed to build action digest: %v", err)
	}
	req.Signature = signDigest(t, key, digest)
}

// signedCreate is a direct create_order request signed by the principal.
func (r *rig) signedCreate(t *testing.T, nonce uint64) *RelayRequest {
	t.Helper()
	req := r.createRequest(nonce)
	r.sign(t, r.key, req)
	return req
}

// signedApproval is a subaccount approval signed by the principal.
func (r *rig) signedApproval(t *testing.T, approval SubaccountApproval) *SubaccountApproval {
	t.Helper()
	digest, err := ApprovalDigest(testChainID, testRouterAddr, &approval)
	if err != nil {
		t.Fatalf("failed to build approval digest: %v", err)
	}
	approval.Signature = signDigest(t, r.key, digest)
	return &approval
}

// delegatedCreate builds a create_order request acting through the rig's
// subaccount, signed by the subaccount key.
func (r *rig) delegatedCreate(t *testing.T, nonce uint64, approval *SubaccountApproval) *RelayRequest {
	t.Helper()
	req := r.createRequest(nonce)
	req.Subaccount = r.subaccount
	req.Approval = approval
	r.sign(t, r.subKey, req)
	return req
}

func (r *rig) balance(token, holder common.Address) int64 {
	return r.store.Balance(token, holder).Int64()
}

func (r *rig) actionNonce(t *testing.T) uint64 {
	t.Helper()
	n, err := r.store.PeekNonce(context.Background(), NamespaceAction, r.account)
	if err != nil {
		t.Fatalf("failed to peek action nonce: %v", err)
	}
	return n
}

func (r *rig) approvalNonce(t *testing.T) uint64 {
	t.Helper()
	n, err := r.store.PeekNonce(context.Background(), NamespaceApproval, r.account)
	if err != nil {
		t.Fatalf("failed to peek approval nonce: %v", err)
	}
	return n
}

// stubEngine records order engine calls and can fail or call back on demand.
type stubEngine struct {
	createCalls int
	updateCalls int
	cancelCalls int

	lastAccount common.Address
	lastCreate  *CreateOrderParams
	lastUpdate  *UpdateOrderParams
	lastKey     common.Hash

	nextKey   common.Hash
	createErr error
	updateErr error
	cancelErr error

	// onCreate runs inside CreateOrder, for reentrancy scenarios.
	onCreate func(ctx context.Context) error
}

func (e *stubEngine) CreateOrder(ctx context.Context, account common.Address, params *CreateOrderParams) (common.Hash, error) {
	e.createCalls++
	e.lastAccount = account
	cp := *params
	e.lastCreate = &cp
	if e.onCreate != nil {
		if err := e.onCreate(ctx); err != nil {
			return common.Hash{}, err
		}
	}
	if e.createErr != nil {
		return common.Hash{}, e.createErr
	}
	return e.nextKey, nil
}

func (e *stubEngine) UpdateOrder(_ context.Context, account common.Address, key common.Hash, params *UpdateOrderParams) error {
	e.updateCalls++
	e.lastAccount = account
	e.lastKey = key
	up := *params
	e.lastUpdate = &up
	return e.updateErr
}

func (e *stubEngine) CancelOrder(_ context.Context, account common.Address, key common.Hash) error {
	e.cancelCalls++
	e.lastAccount = account
	e.lastKey = key
	return e.cancelErr
}

// stubOracle records whether execution ran inside a price context.
type stubOracle struct {
	calls      int
	lastParams []byte
}

func (o *stubOracle) WithPrices(ctx context.Context, params []byte, fn func(context.Context) error) error {
	o.calls++
	o.lastParams = append([]byte(nil), params...)
	return fn(ctx)
}
