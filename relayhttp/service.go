// Package relayhttp exposes a relay.Router as the relay operator's HTTP
// ingress: a gin service with schema-validated execute endpoints, nonce and
// delegation reads, request-scoped logging, prometheus metrics, and an
// idempotent resubmission cache keyed by the request digest.
package relayhttp

import (
	"context"
	"errors"
	"math/big"
	"net/http"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/openperp/relay"
)

const defaultReceiptTTL = 10 * time.Minute

// config collects the settings Options mutate before Service construction.
type config struct {
	logger     *zap.Logger
	operator   common.Address
	feeToken   common.Address
	baseFee    *big.Int
	receiptTTL time.Duration
}

// Option configures a Service.
type Option func(*config)

// WithLogger sets the structured logger. Defaults to a no-op logger.
func WithLogger(log *zap.Logger) Option {
	return func(c *config) {
		c.logger = log
	}
}

// WithOperator sets the address credited with the relay base fee. Required.
func WithOperator(operator common.Address) Option {
	return func(c *config) {
		c.operator = operator
	}
}

// WithExpectedFeeToken pins the token the operator expects settlement in.
// Requests are rejected when the protocol's designated fee token differs.
// The zero address accepts whatever token the protocol designates.
func WithExpectedFeeToken(token common.Address) Option {
	return func(c *config) {
		c.feeToken = token
	}
}

// WithBaseFee overrides the protocol default base fee for requests relayed
// through this service.
func WithBaseFee(fee *big.Int) Option {
	return func(c *config) {
		c.baseFee = fee
	}
}

// WithReceiptTTL sets how long receipts are held for idempotent
// resubmission. Defaults to ten minutes.
func WithReceiptTTL(ttl time.Duration) Option {
	return func(c *config) {
		c.receiptTTL = ttl
	}
}

// Service is the relay operator's HTTP surface over a single Router.
//
// The router admits one request at a time, so the service serializes
// executions behind its own mutex; concurrent HTTP traffic queues here
// instead of surfacing the router's reentrancy rejection.
type Service struct {
	router   *relay.Router
	log      *zap.Logger
	operator common.Address
	feeToken common.Address
	baseFee  *big.Int
	receipts *ReceiptCache
	metrics  *metrics

	mu sync.Mutex
}

// New builds a Service over router. WithOperator is mandatory; the remaining
// options have working defaults.
func New(router *relay.Router, opts ...Option) (*Service, error) {
	if router == nil {
		return nil, errors.New("router is required")
	}
	cfg := &config{
		logger:     zap.NewNop(),
		receiptTTL: defaultReceiptTTL,
	}
	for _, opt := range opts {
		opt(cfg)
	}
	if cfg.operator == (common.Address{}) {
		return nil, errors.New("operator address is required")
	}
	return &Service{
		router:   router,
		log:      cfg.logger,
		operator: cfg.operator,
		feeToken: cfg.feeToken,
		baseFee:  cfg.baseFee,
		receipts: NewReceiptCache(cfg.receiptTTL),
		metrics:  newMetrics(),
	}, nil
}

// Routes mounts the service endpoints on r.
func (s *Service) Routes(r gin.IRouter) {
	r.POST("/v1/relay/orders", s.handleExecuteOrder)
	r.POST("/v1/relay/subaccounts/remove", s.handleRemoveSubaccount)
	r.GET("/v1/relay/accounts/:account/nonces", s.handleNonces)
	r.GET("/v1/relay/accounts/:account/subaccounts/:subaccount/delegations/:actionType", s.handleDelegation)
	r.GET("/healthz", s.handleHealthz)
	r.GET("/metrics", gin.WrapH(s.metrics.handler()))
}

// Handler returns a ready-to-serve engine with panic recovery, request ids,
// request logging and all routes mounted.
func (s *Service) Handler() http.Handler {
	engine := gin.New()
	engine.Use(gin.Recovery(), RequestID(), RequestLogging(s.log))
	s.Routes(engine)
	return engine
}

// relayContext builds the operator execution context applied to every
// request this service relays.
func (s *Service) relayContext() *relay.RelayContext {
	return &relay.RelayContext{
		Operator: s.operator,
		FeeToken: s.feeToken,
		BaseFee:  s.baseFee,
	}
}

func (s *Service) execute(ctx context.Context, req *relay.RelayRequest) (*relay.ExecuteResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.router.Execute(ctx, s.relayContext(), req)
}

func (s *Service) executeRemove(ctx context.Context, req *relay.RemoveSubaccountRequest) (*relay.ExecuteResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.router.ExecuteRemoveSubaccount(ctx, s.relayContext(), req)
}
