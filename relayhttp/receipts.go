package relayhttp

import (
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
)

// Receipt is the durable result of an executed relay request. Byte-identical
// resubmissions within the cache TTL replay the original receipt instead of
// re-running the pipeline.
type Receipt struct {
	RequestID   string       `json:"requestId"`
	OrderKey    *common.Hash `json:"orderKey,omitempty"`
	ResidualFee *hexutil.Big `json:"residualFee"`
}

// ReceiptStatus is the outcome of probing the cache for a request digest.
type ReceiptStatus int

const (
	// ReceiptMiss means no receipt exists and no identical request is
	// running; the caller owns execution and must finish with Complete or
	// Fail.
	ReceiptMiss ReceiptStatus = iota
	// ReceiptCached means the request already executed and its receipt is
	// still within the TTL.
	ReceiptCached
	// ReceiptInFlight means an identical request is executing right now.
	ReceiptInFlight
)

// ReceiptCache makes relay execution idempotent per request digest: finished
// results are cached for a TTL, and while a request is executing an identical
// submission is turned away instead of double-running the pipeline. Failures
// are never cached, so a corrected resubmission gets a fresh run.
type ReceiptCache struct {
	mu       sync.Mutex
	receipts map[common.Hash]*Receipt
	expiry   map[common.Hash]time.Time
	inFlight map[common.Hash]bool
	ttl      time.Duration
}

// NewReceiptCache creates a cache that holds receipts for ttl after
// execution completes.
func NewReceiptCache(ttl time.Duration) *ReceiptCache {
	return &ReceiptCache{
		receipts: make(map[common.Hash]*Receipt),
		expiry:   make(map[common.Hash]time.Time),
		inFlight: make(map[common.Hash]bool),
		ttl:      ttl,
	}
}

// CheckAndMark atomically resolves a digest: a live cached receipt returns
// ReceiptCached, an executing duplicate returns ReceiptInFlight, and
// otherwise the digest is marked in-flight and ReceiptMiss tells the caller
// to execute.
func (c *ReceiptCache) CheckAndMark(digest common.Hash) (ReceiptStatus, *Receipt) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if expiry, ok := c.expiry[digest]; ok {
		if time.Now().Before(expiry) {
			if receipt, ok := c.receipts[digest]; ok {
				return ReceiptCached, receipt
			}
		}
		delete(c.receipts, digest)
		delete(c.expiry, digest)
	}

	if c.inFlight[digest] {
		return ReceiptInFlight, nil
	}
	c.inFlight[digest] = true
	return ReceiptMiss, nil
}

// Complete stores the receipt and releases the in-flight marker.
func (c *ReceiptCache) Complete(digest common.Hash, receipt *Receipt) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.receipts[digest] = receipt
	c.expiry[digest] = time.Now().Add(c.ttl)
	delete(c.inFlight, digest)
	c.cleanupExpiredLocked()
}

// Fail releases the in-flight marker without caching anything, so the same
// request may be retried.
func (c *ReceiptCache) Fail(digest common.Hash) {
	c.mu.Lock()
	defer c.mu.Unlock()

	delete(c.inFlight, digest)
}

// cleanupExpiredLocked drops receipts past their expiry. Called with c.mu
// held, piggybacking on writes so the cache needs no background goroutine.
func (c *ReceiptCache) cleanupExpiredLocked() {
	now := time.Now()
	for digest, expiry := range c.expiry {
		if now.After(expiry) {
			delete(c.receipts, digest)
			delete(c.expiry, digest)
		}
	}
}
