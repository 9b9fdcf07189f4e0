package relay

import (
	"context"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// errSignatureInvalid is the only error signature checks return. A malformed
// signature and a well-formed signature from the wrong key are deliberately
// indistinguishable to callers.
var errSignatureInvalid = NewError(ErrSignatureInvalid, "signature verification failed")

// RecoverSigner recovers the address that produced signature over digest.
// It accepts 65-byte signatures with v in {0, 1, 27, 28} and enforces
// canonical (low-S) form.
func RecoverSigner(digest common.Hash, signature []byte) (common.Address, error) {
	if len(signature) != crypto.SignatureLength {
		return common.Address{}, errSignatureInvalid
	}

	sig := make([]byte, crypto.SignatureLength)
	copy(sig, signature)
	if sig[crypto.RecoveryIDOffset] >= 27 {
		sig[crypto.RecoveryIDOffset] -= 27
	}

	r := new(big.Int).SetBytes(sig[:32])
	s := new(big.Int).SetBytes(sig[32:64])
	v := sig[crypto.RecoveryIDOffset]
	if !crypto.ValidateSignatureValues(v, r, s, true) {
		return common.Address{}, errSignatureInvalid
	}

	pub, err := crypto.SigToPub(digest.Bytes(), sig)
	if err != nil {
		return common.Address{}, errSignatureInvalid
	}
	return crypto.PubkeyToAddress(*pub), nil
}

// VerifySignature checks that signature over digest recovers to expected.
func VerifySignature(digest common.Hash, signature []byte, expected common.Address) error {
	signer, err := RecoverSigner(digest, signature)
	if err != nil {
		return err
	}
	if signer != expected {
		return errSignatureInvalid
	}
	return nil
}

// SignatureResolver authorizes senders by ECDSA signature recovery. This is
// the default path: the request carries a signature over the action digest
// and the recovered signer must match the expected sender.
type SignatureResolver struct{}

func (SignatureResolver) Authorize(_ context.Context, digest common.Hash, signature []byte, expected common.Address) error {
	return VerifySignature(digest, signature, expected)
}

// ForwarderResolver authorizes senders on the word of a trusted forwarder:
// the transport has already authenticated Sender, so no signature is checked.
// Use only behind infrastructure that performs that authentication.
type ForwarderResolver struct {
	// Sender is the authenticated origin reported by the forwarder.
	Sender common.Address
}

func (f ForwarderResolver) Authorize(_ context.Context, _ common.Hash, _ []byte, expected common.Address) error {
	if f.Sender != expected {
		return Errorf(ErrUnauthorizedAccountMismatch, "forwarded sender %s is not %s", f.Sender.Hex(), expected.Hex())
	}
	return nil
}

var (
	_ SenderResolver = SignatureResolver{}
	_ SenderResolver = ForwarderResolver{}
)
