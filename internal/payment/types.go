package payment

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
)

// SchemeExact is the only supported x402 payment scheme: an EIP-3009
// transferWithAuthorization signed by the payer's wallet.
const SchemeExact = "exact"

// Requirements describes the payment a mint requires. Amounts are atomic
// token units as decimal strings (USDC has 6 decimals, so "1990000" = $1.99).
type Requirements struct {
	Scheme            string `json:"scheme"`
	Network           string `json:"network"`
	AmountAtomic      string `json:"maxAmountRequired"`
	Asset             string `json:"asset"`
	PayTo             string `json:"payTo"`
	Resource          string `json:"resource"`
	MaxTimeoutSeconds int    `json:"maxTimeoutSeconds,omitempty"`
}

// Authorization is the EIP-3009 transferWithAuthorization message the payer
// signed. All numeric fields are decimal strings on the wire.
type Authorization struct {
	From        string `json:"from"`
	To          string `json:"to"`
	Value       string `json:"value"`
	ValidAfter  string `json:"validAfter"`
	ValidBefore string `json:"validBefore"`
	Nonce       string `json:"nonce"`
}

// ExactEVMPayload carries the signed authorization for the "exact" scheme.
type ExactEVMPayload struct {
	Signature     string        `json:"signature"`
	Authorization Authorization `json:"authorization"`
}

// OnchainPayload references an already-submitted transfer for the direct
// verification strategy.
type OnchainPayload struct {
	TxHash string `json:"txHash"`
	Payer  string `json:"payer"`
}

// Payload is the discriminated payment-authorization union received from
// clients. Exactly one of Exact/Onchain is set depending on Scheme.
type Payload struct {
	Scheme  string           `json:"scheme"`
	Network string           `json:"network"`
	Exact   *ExactEVMPayload `json:"exact,omitempty"`
	Onchain *OnchainPayload  `json:"onchain,omitempty"`
}

// VerificationResult is the outcome of a verification attempt. Rejections of
// any kind (local validation, facilitator refusal, transport exhaustion,
// receipt mismatch) come back as Valid=false with a reason — never an error.
type VerificationResult struct {
	Valid          bool   `json:"valid"`
	Reason         string `json:"reason,omitempty"`
	Payer          string `json:"payer,omitempty"`
	VerificationID string `json:"verificationId,omitempty"`
}

// SettlementResult is the outcome of finalizing fund movement.
type SettlementResult struct {
	Settled bool   `json:"settled"`
	TxHash  string `json:"txHash,omitempty"`
	Reason  string `json:"reason,omitempty"`
}

// Verifier confirms a payment authorization is valid for the given
// requirements without moving funds. Implementations must be side-effect-free
// on failure.
type Verifier interface {
	Verify(ctx context.Context, p *Payload, reqs Requirements) (*VerificationResult, error)
}

// Settler finalizes fund movement for a previously verified payload.
type Settler interface {
	Settle(ctx context.Context, p *Payload, reqs Requirements) (*SettlementResult, error)
}

// Strategy bundles the two halves of one deployment's payment scheme.
// FacilitatorClient and OnchainVerifier both satisfy it; the choice is made
// once at construction from config, never at request time.
type Strategy interface {
	Verifier
	Settler
}

var addressRe = regexp.MustCompile(`^0x[0-9a-fA-F]{40}$`)

// ParsePayload decodes and shape-checks a client payment blob. Anything not
// matching a known scheme shape is rejected here, before any verifier runs.
func ParsePayload(raw json.RawMessage) (*Payload, error) {
	if len(raw) == 0 {
		return nil, errors.New("empty payment payload")
	}
	var p Payload
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, fmt.Errorf("malformed payment payload: %w", err)
	}
	switch p.Scheme {
	case SchemeExact:
		if p.Exact == nil {
			return nil, errors.New("exact scheme requires an exact payload")
		}
		a := p.Exact.Authorization
		if p.Exact.Signature == "" {
			return nil, errors.New("missing authorization signature")
		}
		if !addressRe.MatchString(a.From) || !addressRe.MatchString(a.To) {
			return nil, errors.New("malformed payer or payee address")
		}
		if a.Value == "" || a.ValidBefore == "" || a.Nonce == "" {
			return nil, errors.New("incomplete authorization fields")
		}
	case "onchain":
		if p.Onchain == nil {
			return nil, errors.New("onchain scheme requires an onchain payload")
		}
		if p.Onchain.TxHash == "" || !addressRe.MatchString(p.Onchain.Payer) {
			return nil, errors.New("onchain payload requires txHash and payer address")
		}
	default:
		return nil, fmt.Errorf("unknown payment scheme %q", p.Scheme)
	}
	return &p, nil
}
