// Package signers provides client-side signing of relay messages with a raw
// ECDSA private key.
package signers

import (
	"crypto/ecdsa"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/openperp/relay"
)

// Signer produces the EIP-712 signatures a relay router accepts. It is bound
// to one signing domain: a chain id and a router address.
type Signer struct {
	key     *ecdsa.PrivateKey
	address common.Address
	chainID uint64
	router  common.Address
}

// NewSigner wraps an ECDSA private key.
func NewSigner(key *ecdsa.PrivateKey, chainID uint64, router common.Address) *Signer {
	return &Signer{
		key:     key,
		address: crypto.PubkeyToAddress(key.PublicKey),
		chainID: chainID,
		router:  router,
	}
}

// NewSignerFromHex parses a hex-encoded private key, with or without the
// "0x" prefix.
func NewSignerFromHex(privateKeyHex string, chainID uint64, router common.Address) (*Signer, error) {
	key, err := crypto.HexToECDSA(strings.TrimPrefix(privateKeyHex, "0x"))
	if err != nil {
		return nil, fmt.Errorf("invalid private key: %w", err)
	}
	return NewSigner(key, chainID, router), nil
}

// Address returns the signer's address.
func (s *Signer) Address() common.Address {
	return s.address
}

// SignRequest signs the request's action digest and stores the signature on
// it. For direct requests the signer must be the principal; for delegated
// requests, the subaccount. If the request carries a subaccount approval,
// sign the approval first: the action digest covers the signed approval's
// struct hash.
func (s *Signer) SignRequest(req *relay.RelayRequest) error {
	digest, err := relay.ActionDigest(s.chainID, s.router, req)
	if err != nil {
		return err
	}
	sig, err := s.sign(digest)
	if err != nil {
		return err
	}
	req.Signature = hexutil.Bytes(sig)
	return nil
}

// SignApproval signs the approval as the principal and stores the signature
// on it.
func (s *Signer) SignApproval(approval *relay.SubaccountApproval) error {
	digest, err := relay.ApprovalDigest(s.chainID, s.router, approval)
	if err != nil {
		return err
	}
	sig, err := s.sign(digest)
	if err != nil {
		return err
	}
	approval.Signature = hexutil.Bytes(sig)
	return nil
}

// SignRemoveSubaccount signs a relayed revocation as the principal and
// stores the signature on it.
func (s *Signer) SignRemoveSubaccount(req *relay.RemoveSubaccountRequest) error {
	digest, err := relay.RemoveSubaccountDigest(s.chainID, s.router, req)
	if err != nil {
		return err
	}
	sig, err := s.sign(digest)
	if err != nil {
		return err
	}
	req.Signature = hexutil.Bytes(sig)
	return nil
}

func (s *Signer) sign(digest common.Hash) ([]byte, error) {
	sig, err := crypto.Sign(digest.Bytes(), s.key)
	if err != nil {
		return nil, fmt.Errorf("failed to sign: %w", err)
	}
	// Recovery id 0/1 -> 27/28, the form wallets produce.
	sig[crypto.RecoveryIDOffset] += 27
	return sig, nil
}
