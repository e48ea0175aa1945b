package ledger

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common/hexutil"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"

	"nhbrelay/core/types"
)

// Envelope is the unsigned payload handed to the node. The relay does not
// encode calls for any specific runtime; the node decodes module, method and
// params itself.
type Envelope struct {
	Address string            `json:"address"`
	Nonce   uint64            `json:"nonce"`
	Module  string            `json:"module"`
	Method  string            `json:"method"`
	Params  []json.RawMessage `json:"params"`
}

// SignedEnvelope is an envelope plus the signer's signature over its digest.
type SignedEnvelope struct {
	Envelope
	Signature string `json:"signature"`
}

// NewEnvelope binds a call to an address and nonce.
func NewEnvelope(address string, nonce uint64, call types.Call) Envelope {
	params := call.Params
	if params == nil {
		params = []json.RawMessage{}
	}
	return Envelope{
		Address: address,
		Nonce:   nonce,
		Module:  call.Module,
		Method:  call.Method,
		Params:  params,
	}
}

// Digest returns the Keccak-256 hash of the canonical JSON encoding.
func (e Envelope) Digest() ([]byte, error) {
	encoded, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("ledger: encode envelope: %w", err)
	}
	return ethcrypto.Keccak256(encoded), nil
}

// Sign produces a signed envelope using signer.
func (e Envelope) Sign(signer types.Signer) (SignedEnvelope, error) {
	if signer == nil {
		return SignedEnvelope{}, errors.New("ledger: identity has no signer")
	}
	digest, err := e.Digest()
	if err != nil {
		return SignedEnvelope{}, err
	}
	sig, err := signer.Sign(digest)
	if err != nil {
		return SignedEnvelope{}, fmt.Errorf("ledger: sign envelope: %w", err)
	}
	return SignedEnvelope{Envelope: e, Signature: hexutil.Encode(sig)}, nil
}

// Hash identifies the signed submission.
func (s SignedEnvelope) Hash() (string, error) {
	encoded, err := json.Marshal(s)
	if err != nil {
		return "", fmt.Errorf("ledger: encode signed envelope: %w", err)
	}
	return hexutil.Encode(ethcrypto.Keccak256(encoded)), nil
}
