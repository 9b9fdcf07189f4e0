package relayhttp

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/openperp/relay"
)

// Transport-level result codes that complement the relay error taxonomy.
const (
	codeOK       = "ok"
	codeInFlight = "in_flight"
	codeInternal = "internal_error"
)

// Action label used for revocations in logs and metrics.
const actionRemoveSubaccount = "remove_subaccount"

// errorBody is the envelope every failure response carries under "error".
type errorBody struct {
	Code      string   `json:"code"`
	Message   string   `json:"message"`
	RequestID string   `json:"requestId"`
	Details   []string `json:"details,omitempty"`
}

func (s *Service) handleExecuteOrder(c *gin.Context) {
	start := time.Now()

	var req relay.RelayRequest
	if !s.decodeBody(c, relayRequestSchema, &req) {
		s.metrics.observe("unknown", string(relay.ErrInvalidRequest), time.Since(start))
		return
	}
	action := string(req.Action.Kind)

	digest, err := relay.ActionDigest(s.router.ChainID(), s.router.Address(), &req)
	if err != nil {
		s.fail(c, action, start, err)
		return
	}

	status, receipt := s.receipts.CheckAndMark(digest)
	switch status {
	case ReceiptCached:
		s.metrics.observe(action, codeOK, time.Since(start))
		c.JSON(http.StatusOK, gin.H{"receipt": receipt})
		return
	case ReceiptInFlight:
		s.metrics.observe(action, codeInFlight, time.Since(start))
		s.respondError(c, http.StatusConflict, &errorBody{
			Code:      codeInFlight,
			Message:   "an identical request is already being processed",
			RequestID: requestID(c),
		})
		return
	}

	result, err := s.execute(c.Request.Context(), &req)
	if err != nil {
		s.receipts.Fail(digest)
		s.fail(c, action, start, err)
		return
	}

	receipt = s.buildReceipt(c, result)
	s.receipts.Complete(digest, receipt)
	s.metrics.observe(action, codeOK, time.Since(start))
	s.metrics.observeResidual((*big.Int)(result.ResidualFee))
	s.log.Info("relay request executed",
		zap.String("request_id", requestID(c)),
		zap.String("account", req.Account.Hex()),
		zap.String("action", action),
		zap.Duration("duration", time.Since(start)),
	)
	c.JSON(http.StatusOK, gin.H{"receipt": receipt})
}

func (s *Service) handleRemoveSubaccount(c *gin.Context) {
	start := time.Now()

	var req relay.RemoveSubaccountRequest
	if !s.decodeBody(c, removeSubaccountSchema, &req) {
		s.metrics.observe(actionRemoveSubaccount, string(relay.ErrInvalidRequest), time.Since(start))
		return
	}

	digest, err := relay.RemoveSubaccountDigest(s.router.ChainID(), s.router.Address(), &req)
	if err != nil {
		s.fail(c, actionRemoveSubaccount, start, err)
		return
	}

	status, receipt := s.receipts.CheckAndMark(digest)
	switch status {
	case ReceiptCached:
		s.metrics.observe(actionRemoveSubaccount, codeOK, time.Since(start))
		c.JSON(http.StatusOK, gin.H{"receipt": receipt})
		return
	case ReceiptInFlight:
		s.metrics.observe(actionRemoveSubaccount, codeInFlight, time.Since(start))
		s.respondError(c, http.StatusConflict, &errorBody{
			Code:      codeInFlight,
			Message:   "an identical request is already being processed",
			RequestID: requestID(c),
		})
		return
	}

	result, err := s.executeRemove(c.Request.Context(), &req)
	if err != nil {
		s.receipts.Fail(digest)
		s.fail(c, actionRemoveSubaccount, start, err)
		return
	}

	receipt = s.buildReceipt(c, result)
	s.receipts.Complete(digest, receipt)
	s.metrics.observe(actionRemoveSubaccount, codeOK, time.Since(start))
	s.metrics.observeResidual((*big.Int)(result.ResidualFee))
	s.log.Info("subaccount removed",
		zap.String("request_id", requestID(c)),
		zap.String("account", req.Account.Hex()),
		zap.String("subaccount", req.Subaccount.Hex()),
		zap.Duration("duration", time.Since(start)),
	)
	c.JSON(http.StatusOK, gin.H{"receipt": receipt})
}

func (s *Service) handleNonces(c *gin.Context) {
	account, ok := s.addressParam(c, "account")
	if !ok {
		return
	}
	action, approval, err := s.router.Nonces(c.Request.Context(), account)
	if err != nil {
		s.log.Error("nonce lookup failed", zap.String("request_id", requestID(c)), zap.Error(err))
		s.respondError(c, http.StatusInternalServerError, &errorBody{
			Code:      codeInternal,
			Message:   "nonce lookup failed",
			RequestID: requestID(c),
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"account":  account.Hex(),
		"action":   action,
		"approval": approval,
	})
}

func (s *Service) handleDelegation(c *gin.Context) {
	account, ok := s.addressParam(c, "account")
	if !ok {
		return
	}
	subaccount, ok := s.addressParam(c, "subaccount")
	if !ok {
		return
	}
	actionType := relay.ActionType(c.Param("actionType"))

	state, delegation, err := s.router.DelegationState(c.Request.Context(), account, subaccount, actionType)
	if err != nil {
		s.log.Error("delegation lookup failed", zap.String("request_id", requestID(c)), zap.Error(err))
		s.respondError(c, http.StatusInternalServerError, &errorBody{
			Code:      codeInternal,
			Message:   "delegation lookup failed",
			RequestID: requestID(c),
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"account":    account.Hex(),
		"subaccount": subaccount.Hex(),
		"actionType": actionType,
		"state":      state,
		"delegation": delegation,
	})
}

func (s *Service) handleHealthz(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// decodeBody validates the body against schema and unmarshals it into dst.
// On failure it writes the 400 response itself and returns false.
func (s *Service) decodeBody(c *gin.Context, schema []byte, dst any) bool {
	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		s.respondError(c, http.StatusBadRequest, &errorBody{
			Code:      string(relay.ErrInvalidRequest),
			Message:   "failed to read request body",
			RequestID: requestID(c),
		})
		return false
	}

	violations, err := validateSchema(schema, body)
	if err != nil {
		s.respondError(c, http.StatusBadRequest, &errorBody{
			Code:      string(relay.ErrInvalidRequest),
			Message:   "request body is not valid JSON",
			RequestID: requestID(c),
		})
		return false
	}
	if len(violations) > 0 {
		s.respondError(c, http.StatusBadRequest, &errorBody{
			Code:      string(relay.ErrInvalidRequest),
			Message:   "request body does not match the expected shape",
			RequestID: requestID(c),
			Details:   violations,
		})
		return false
	}

	if err := json.Unmarshal(body, dst); err != nil {
		s.respondError(c, http.StatusBadRequest, &errorBody{
			Code:      string(relay.ErrInvalidRequest),
			Message:   fmt.Sprintf("failed to decode request body: %v", err),
			RequestID: requestID(c),
		})
		return false
	}
	return true
}

// fail translates an execution error into the transport response, logging
// taxonomy rejections at warn and everything else at error.
func (s *Service) fail(c *gin.Context, action string, start time.Time, err error) {
	var relayErr *relay.Error
	if errors.As(err, &relayErr) {
		code := string(relayErr.Code)
		s.log.Warn("relay request rejected",
			zap.String("request_id", requestID(c)),
			zap.String("action", action),
			zap.String("code", code),
			zap.Error(err),
		)
		s.metrics.observe(action, code, time.Since(start))
		s.respondError(c, statusFor(relayErr.Code), &errorBody{
			Code:      code,
			Message:   relayErr.Message,
			RequestID: requestID(c),
		})
		return
	}

	s.log.Error("relay request failed",
		zap.String("request_id", requestID(c)),
		zap.String("action", action),
		zap.Error(err),
	)
	s.metrics.observe(action, codeInternal, time.Since(start))
	s.respondError(c, http.StatusInternalServerError, &errorBody{
		Code:      codeInternal,
		Message:   "internal error",
		RequestID: requestID(c),
	})
}

func (s *Service) respondError(c *gin.Context, status int, body *errorBody) {
	c.JSON(status, gin.H{"error": body})
}

// addressParam parses a path parameter as an EVM address, writing the 400
// response on failure.
func (s *Service) addressParam(c *gin.Context, name string) (common.Address, bool) {
	raw := c.Param(name)
	if !common.IsHexAddress(raw) {
		s.respondError(c, http.StatusBadRequest, &errorBody{
			Code:      string(relay.ErrInvalidRequest),
			Message:   fmt.Sprintf("%s is not a valid address", name),
			RequestID: requestID(c),
		})
		return common.Address{}, false
	}
	return common.HexToAddress(raw), true
}

func (s *Service) buildReceipt(c *gin.Context, result *relay.ExecuteResult) *Receipt {
	receipt := &Receipt{
		RequestID:   requestID(c),
		ResidualFee: result.ResidualFee,
	}
	if result.OrderKey != (common.Hash{}) {
		key := result.OrderKey
		receipt.OrderKey = &key
	}
	return receipt
}

// statusFor maps a relay failure code onto the transport status: signature
// and sender authorization problems are 401, nonce conflicts 409, capability
// rejections 403, fee economics 402, shape problems 400, and the busy router
// 503.
func statusFor(code relay.ErrorCode) int {
	switch code {
	case relay.ErrSignatureInvalid, relay.ErrUnauthorizedAccountMismatch:
		return http.StatusUnauthorized
	case relay.ErrNonceMismatch:
		return http.StatusConflict
	case relay.ErrSubaccountNotApproved, relay.ErrSubaccountExpired, relay.ErrSubaccountLimitExceeded:
		return http.StatusForbidden
	case relay.ErrInvalidFeeToken, relay.ErrInvalidSwapOutputToken, relay.ErrInsufficientResidualFee:
		return http.StatusPaymentRequired
	case relay.ErrDeadlinePassed, relay.ErrInvalidSubaccount, relay.ErrInvalidPermitSpender, relay.ErrInvalidRequest:
		return http.StatusBadRequest
	case relay.ErrReentrantCall:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
