package relay

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

type nonceKey struct {
	ns      Namespace
	account common.Address
}

type pairKey struct {
	account    common.Address
	subaccount common.Address
}

type delegationKey struct {
	account    common.Address
	subaccount common.Address
	action     ActionType
}

type assetKey struct {
	token  common.Address
	holder common.Address
}

type allowanceKey struct {
	token   common.Address
	owner   common.Address
	spender common.Address
}

// MemoryStore is a journaled in-memory state substrate backing every store
// interface a Router needs: nonces, delegations, token balances and
// allowances. Every mutation appends an undo entry, and RevertToSnapshot
// rolls mutations back in reverse order, so a Router configured with the
// store as its State gets all-or-nothing requests.
//
// The router address passed to NewMemoryStore is the implicit token spender:
// transfers from any other owner consume that owner's allowance for the
// router. Permits record the signed grant without verifying the signature;
// development and test substrates trust their inputs.
//
// A single mutex serializes all operations.
type MemoryStore struct {
	mu     sync.Mutex
	router common.Address

	nonces      map[nonceKey]uint64
	allowed     map[pairKey]bool
	delegations map[delegationKey]Delegation
	balances    map[assetKey]*big.Int
	allowances  map[allowanceKey]*big.Int

	journal []func()
}

func NewMemoryStore(router common.Address) *MemoryStore {
	return &MemoryStore{
		router:      router,
		nonces:      make(map[nonceKey]uint64),
		allowed:     make(map[pairKey]bool),
		delegations: make(map[delegationKey]Delegation),
		balances:    make(map[assetKey]*big.Int),
		allowances:  make(map[allowanceKey]*big.Int),
	}
}

// Snapshot marks the current journal position.
func (s *MemoryStore) Snapshot() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.journal)
}

// RevertToSnapshot undoes every mutation made since the snapshot, newest
// first.
func (s *MemoryStore) RevertToSnapshot(snapshot int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if snapshot < 0 || snapshot > len(s.journal) {
		return
	}
	for i := len(s.journal) - 1; i >= snapshot; i-- {
		s.journal[i]()
	}
	s.journal = s.journal[:snapshot]
}

func (s *MemoryStore) PeekNonce(_ context.Context, ns Namespace, account common.Address) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.nonces[nonceKey{ns: ns, account: account}], nil
}

func (s *MemoryStore) ConsumeNonce(_ context.Context, ns Namespace, account common.Address, provided uint64) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := nonceKey{ns: ns, account: account}
	if s.nonces[k] != provided {
		return false, nil
	}
	s.setNonce(k, provided+1)
	return true, nil
}

func (s *MemoryStore) Allowed(_ context.Context, account, subaccount common.Address) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.allowed[pairKey{account: account, subaccount: subaccount}], nil
}

func (s *MemoryStore) SetAllowed(_ context.Context, account, subaccount common.Address) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.setAllowed(pairKey{account: account, subaccount: subaccount}, true)
	return nil
}

func (s *MemoryStore) Delegation(_ context.Context, account, subaccount common.Address, action ActionType) (Delegation, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.delegations[delegationKey{account: account, subaccount: subaccount, action: action}]
	return d, ok, nil
}

func (s *MemoryStore) PutDelegation(_ context.Context, account, subaccount common.Address, action ActionType, d Delegation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.setDelegation(delegationKey{account: account, subaccount: subaccount, action: action}, d)
	return nil
}

func (s *MemoryStore) IncrementUse(_ context.Context, account, subaccount common.Address, action ActionType) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := delegationKey{account: account, subaccount: subaccount, action: action}
	d := s.delegations[k]
	d.CurrentCount++
	s.setDelegation(k, d)
	return nil
}

func (s *MemoryStore) RemoveSubaccount(_ context.Context, account, subaccount common.Address) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.setAllowed(pairKey{account: account, subaccount: subaccount}, false)
	for k := range s.delegations {
		if k.account == account && k.subaccount == subaccount {
			s.deleteDelegation(k)
		}
	}
	return nil
}

func (s *MemoryStore) TransferFrom(_ context.Context, token, owner, recipient common.Address, amount *big.Int) error {
	if amount == nil {
		amount = new(big.Int)
	}
	if amount.Sign() < 0 {
		return errors.New("transfer amount is negative")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if owner != s.router {
		ak := allowanceKey{token: token, owner: owner, spender: s.router}
		allowance := s.allowances[ak]
		if allowance == nil || allowance.Cmp(amount) < 0 {
			return fmt.Errorf("insufficient allowance: %s approved %s of %s for the router, need %s", owner.Hex(), bigString(allowance), token.Hex(), amount)
		}
		s.setAllowance(ak, new(big.Int).Sub(allowance, amount))
	}

	bk := assetKey{token: token, holder: owner}
	balance := s.balances[bk]
	if balance == nil || balance.Cmp(amount) < 0 {
		return fmt.Errorf("insufficient balance: %s holds %s of %s, need %s", owner.Hex(), bigString(balance), token.Hex(), amount)
	}
	s.setBalance(bk, new(big.Int).Sub(balance, amount))

	rk := assetKey{token: token, holder: recipient}
	s.setBalance(rk, new(big.Int).Add(s.balanceLocked(rk), amount))
	return nil
}

func (s *MemoryStore) Allowance(_ context.Context, token, owner, spender common.Address) (*big.Int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if a := s.allowances[allowanceKey{token: token, owner: owner, spender: spender}]; a != nil {
		return new(big.Int).Set(a), nil
	}
	return new(big.Int), nil
}

func (s *MemoryStore) Permit(_ context.Context, permit TokenPermit) error {
	if permit.Deadline != 0 && uint64(time.Now().Unix()) > permit.Deadline {
		return fmt.Errorf("permit deadline %d passed", permit.Deadline)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	k := allowanceKey{token: permit.Token, owner: permit.Owner, spender: permit.Spender}
	s.setAllowance(k, bigOrZero(permit.Value))
	return nil
}

// SetBalance seeds holder's balance of token.
func (s *MemoryStore) SetBalance(token, holder common.Address, amount *big.Int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.setBalance(assetKey{token: token, holder: holder}, new(big.Int).Set(amount))
}

// Balance reads holder's balance of token.
func (s *MemoryStore) Balance(token, holder common.Address) *big.Int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return new(big.Int).Set(s.balanceLocked(assetKey{token: token, holder: holder}))
}

// SetAllowance seeds an allowance from owner to spender.
func (s *MemoryStore) SetAllowance(token, owner, spender common.Address, amount *big.Int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.setAllowance(allowanceKey{token: token, owner: owner, spender: spender}, new(big.Int).Set(amount))
}

// convert atomically debits amountIn of tokenIn and credits amountOut of
// tokenOut on holder. MemorySwap settles through it so swap legs unwind with
// the rest of a reverted request.
func (s *MemoryStore) convert(holder, tokenIn common.Address, amountIn *big.Int, tokenOut common.Address, amountOut *big.Int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	inKey := assetKey{token: tokenIn, holder: holder}
	balance := s.balanceLocked(inKey)
	if balance.Cmp(amountIn) < 0 {
		return fmt.Errorf("insufficient balance: %s holds %s of %s, need %s", holder.Hex(), balance, tokenIn.Hex(), amountIn)
	}
	s.setBalance(inKey, new(big.Int).Sub(balance, amountIn))

	outKey := assetKey{token: tokenOut, holder: holder}
	s.setBalance(outKey, new(big.Int).Add(s.balanceLocked(outKey), amountOut))
	return nil
}

func (s *MemoryStore) balanceLocked(k assetKey) *big.Int {
	if b := s.balances[k]; b != nil {
		return b
	}
	return new(big.Int)
}

func (s *MemoryStore) setNonce(k nonceKey, v uint64) {
	prev, existed := s.nonces[k]
	s.journal = append(s.journal, func() {
		if existed {
			s.nonces[k] = prev
		} else {
			delete(s.nonces, k)
		}
	})
	s.nonces[k] = v
}

func (s *MemoryStore) setAllowed(k pairKey, v bool) {
	prev, existed := s.allowed[k]
	s.journal = append(s.journal, func() {
		if existed {
			s.allowed[k] = prev
		} else {
			delete(s.allowed, k)
		}
	})
	if v {
		s.allowed[k] = true
	} else {
		delete(s.allowed, k)
	}
}

func (s *MemoryStore) setDelegation(k delegationKey, d Delegation) {
	prev, existed := s.delegations[k]
	s.journal = append(s.journal, func() {
		if existed {
			s.delegations[k] = prev
		} else {
			delete(s.delegations, k)
		}
	})
	s.delegations[k] = d
}

func (s *MemoryStore) deleteDelegation(k delegationKey) {
	prev, existed := s.delegations[k]
	if !existed {
		return
	}
	s.journal = append(s.journal, func() {
		s.delegations[k] = prev
	})
	delete(s.delegations, k)
}

func (s *MemoryStore) setBalance(k assetKey, v *big.Int) {
	prev, existed := s.balances[k]
	s.journal = append(s.journal, func() {
		if existed {
			s.balances[k] = prev
		} else {
			delete(s.balances, k)
		}
	})
	s.balances[k] = v
}

func (s *MemoryStore) setAllowance(k allowanceKey, v *big.Int) {
	prev, existed := s.allowances[k]
	s.journal = append(s.journal, func() {
		if existed {
			s.allowances[k] = prev
		} else {
			delete(s.allowances, k)
		}
	})
	s.allowances[k] = v
}

func bigString(x *big.Int) string {
	if x == nil {
		return "0"
	}
	return x.String()
}

type swapPair struct {
	in  common.Address
	out common.Address
}

type swapRate struct {
	num *big.Int
	den *big.Int
}

// MemorySwap converts tokens held in a MemoryStore at fixed pairwise rates.
// An empty path is the identity. Otherwise the path must start at the input
// token; each hop must have a configured rate.
type MemorySwap struct {
	store *MemoryStore
	mu    sync.Mutex
	rates map[swapPair]swapRate
}

func NewMemorySwap(store *MemoryStore) *MemorySwap {
	return &MemorySwap{store: store, rates: make(map[swapPair]swapRate)}
}

// SetRate configures the tokenIn -> tokenOut conversion as num/den.
func (s *MemorySwap) SetRate(tokenIn, tokenOut common.Address, num, den *big.Int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rates[swapPair{in: tokenIn, out: tokenOut}] = swapRate{num: new(big.Int).Set(num), den: new(big.Int).Set(den)}
}

func (s *MemorySwap) Swap(_ context.Context, tokenIn common.Address, amountIn *big.Int, path []common.Address, recipient common.Address) (common.Address, *big.Int, error) {
	if amountIn == nil {
		amountIn = new(big.Int)
	}
	if len(path) == 0 {
		return tokenIn, new(big.Int).Set(amountIn), nil
	}
	if path[0] != tokenIn {
		return common.Address{}, nil, fmt.Errorf("swap path starts at %s, not %s", path[0].Hex(), tokenIn.Hex())
	}

	s.mu.Lock()
	amount := new(big.Int).Set(amountIn)
	for i := 1; i < len(path); i++ {
		rate, ok := s.rates[swapPair{in: path[i-1], out: path[i]}]
		if !ok {
			s.mu.Unlock()
			return common.Address{}, nil, fmt.Errorf("no liquidity for %s -> %s", path[i-1].Hex(), path[i].Hex())
		}
		amount.Mul(amount, rate.num)
		amount.Quo(amount, rate.den)
	}
	s.mu.Unlock()

	out := path[len(path)-1]
	if out == tokenIn {
		return out, amount, nil
	}
	if err := s.store.convert(recipient, tokenIn, amountIn, out, amount); err != nil {
		return common.Address{}, nil, err
	}
	return out, amount, nil
}

// StaticFeeConfig serves fixed protocol fee configuration.
type StaticFeeConfig struct {
	// Designated is the only token relay fees settle in.
	Designated common.Address

	// DefaultBaseFee applies when the relay context declares none.
	DefaultBaseFee *big.Int

	// Vault receives settlement residuals.
	Vault common.Address
}

func (c *StaticFeeConfig) DesignatedFeeToken(context.Context) (common.Address, error) {
	return c.Designated, nil
}

func (c *StaticFeeConfig) BaseFee(context.Context) (*big.Int, error) {
	if c.DefaultBaseFee == nil {
		return new(big.Int), nil
	}
	return new(big.Int).Set(c.DefaultBaseFee), nil
}

func (c *StaticFeeConfig) ExecutionVault(context.Context) (common.Address, error) {
	return c.Vault, nil
}

var (
	_ NonceStore      = (*MemoryStore)(nil)
	_ DelegationStore = (*MemoryStore)(nil)
	_ TokenLedger     = (*MemoryStore)(nil)
	_ State           = (*MemoryStore)(nil)
	_ SwapRouter      = (*MemorySwap)(nil)
	_ FeeConfig       = (*StaticFeeConfig)(nil)
)
