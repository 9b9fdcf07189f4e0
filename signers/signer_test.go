package signers

import (
	"encoding/hex"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/openperp/relay"
)

const chainID = uint64(42161)

var router = common.HexToAddress("0x00000000000000000000000000000000000000F1")

func newTestSigner(t *testing.T) *Signer {
	t.Helper()
	key, err := crypto.GenerateKey()
	if err != nil {
		t.Fatalf("failed to generate key: %v", err)
	}
	return NewSigner(key, chainID, router)
}

func sampleRequest(account common.Address) *relay.RelayRequest {
	return &relay.RelayRequest{
		ChainID: chainID,
		Account: account,
		FeeParams: relay.FeeParams{
			FeeToken:  common.HexToAddress("0x00000000000000000000000000000000000000AA"),
			FeeAmount: (*hexutil.Big)(big.NewInt(500)),
		},
		Action: relay.ActionPayload{
			Kind: relay.ActionCreateOrder,
			Create: &relay.CreateOrderParams{
				Market:           common.HexToAddress("0x00000000000000000000000000000000000000CC"),
				CollateralToken:  common.HexToAddress("0x00000000000000000000000000000000000000AA"),
				CollateralAmount: (*hexutil.Big)(big.NewInt(10_000)),
				SizeDeltaUSD:     (*hexutil.Big)(big.NewInt(50_000)),
				OrderType:        relay.OrderTypeMarketIncrease,
				IsLong:           true,
				Receiver:         account,
			},
		},
		UserNonce: 3,
		Deadline:  1_700_000_600,
	}
}

func TestNewSignerFromHex(t *testing.T) {
	key, err := crypto.GenerateKey()
	if err != nil {
		t.Fatalf("failed to generate key: %v", err)
	}
	raw := hex.EncodeToString(crypto.FromECDSA(key))
	want := crypto.PubkeyToAddress(key.PublicKey)

	t.Run("Accepts bare hex", func(t *testing.T) {
		s, err := NewSignerFromHex(raw, chainID, router)
		if err != nil {
			t.Fatalf("failed to build signer: %v", err)
		}
		if s.Address() != want {
			t.Errorf("address is %s, want %s", s.Address().Hex(), want.Hex())
		}
	})

	t.Run("Accepts the 0x prefix", func(t *testing.T) {
		s, err := NewSignerFromHex("0x"+raw, chainID, router)
		if err != nil {
			t.Fatalf("failed to build signer: %v", err)
		}
		if s.Address() != want {
			t.Errorf("address is %s, want %s", s.Address().Hex(), want.Hex())
		}
	})

	t.Run("Rejects invalid hex", func(t *testing.T) {
		if _, err := NewSignerFromHex("not a key", chainID, router); err == nil {
			t.Error("expected the parse to fail")
		}
	})
}

func TestSignRequest(t *testing.T) {
	s := newTestSigner(t)
	req := sampleRequest(s.Address())

	if err := s.SignRequest(req); err != nil {
		t.Fatalf("sign failed: %v", err)
	}
	if len(req.Signature) != crypto.SignatureLength {
		t.Fatalf("signature is %d bytes", len(req.Signature))
	}
	if v := req.Signature[crypto.RecoveryIDOffset]; v != 27 && v != 28 {
		t.Errorf("recovery id is %d, want the wallet form", v)
	}

	digest, err := relay.ActionDigest(chainID, router, req)
	if err != nil {
		t.Fatalf("digest failed: %v", err)
	}
	if err := relay.VerifySignature(digest, req.Signature, s.Address()); err != nil {
		t.Errorf("router-side verification failed: %v", err)
	}
}

func TestSignApproval(t *testing.T) {
	s := newTestSigner(t)
	approval := &relay.SubaccountApproval{
		Subaccount:      common.HexToAddress("0x2222222222222222222222222222222222222222"),
		ExpiresAt:       1_700_003_600,
		MaxAllowedCount: 5,
		ActionType:      relay.ActionTypeOrder,
		Deadline:        1_700_000_600,
		Nonce:           1,
	}

	if err := s.SignApproval(approval); err != nil {
		t.Fatalf("sign failed: %v", err)
	}

	digest, err := relay.ApprovalDigest(chainID, router, approval)
	if err != nil {
		t.Fatalf("digest failed: %v", err)
	}
	if err := relay.VerifySignature(digest, approval.Signature, s.Address()); err != nil {
		t.Errorf("router-side verification failed: %v", err)
	}
}

func TestSignRemoveSubaccount(t *testing.T) {
	s := newTestSigner(t)
	req := &relay.RemoveSubaccountRequest{
		ChainID:    chainID,
		Account:    s.Address(),
		Subaccount: common.HexToAddress("0x2222222222222222222222222222222222222222"),
		FeeParams: relay.FeeParams{
			FeeToken:  common.HexToAddress("0x00000000000000000000000000000000000000AA"),
			FeeAmount: (*hexutil.Big)(big.NewInt(500)),
		},
		UserNonce: 4,
		Deadline:  1_700_000_600,
	}

	if err := s.SignRemoveSubaccount(req); err != nil {
		t.Fatalf("sign failed: %v", err)
	}

	digest, err := relay.RemoveSubaccountDigest(chainID, router, req)
	if err != nil {
		t.Fatalf("digest failed: %v", err)
	}
	if err := relay.VerifySignature(digest, req.Signature, s.Address()); err != nil {
		t.Errorf("router-side verification failed: %v", err)
	}
}
