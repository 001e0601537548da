package payment

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// maxAttempts bounds transport-level retries against the facilitator.
// Definitive verdicts (valid:false, 4xx) are never retried.
const maxAttempts = 4

// FacilitatorClient implements the delegated strategy: verification and
// settlement are forwarded to an external x402 facilitator service. Cheap
// local checks (schema, amount exactness, expiry, authorization signature)
// run before any network call so malformed input never costs a round trip.
type FacilitatorClient struct {
	baseURL string
	http    *http.Client
	chainID *big.Int
	token   common.Address
	log     *zap.Logger

	// EIP-712 domain of the payment token, used for local signature recovery.
	tokenDomainName    string
	tokenDomainVersion string

	// now is swapped in tests.
	now func() time.Time
}

func NewFacilitatorClient(baseURL string, chainID *big.Int, token common.Address, log *zap.Logger) *FacilitatorClient {
	return &FacilitatorClient{
		baseURL:            strings.TrimRight(baseURL, "/"),
		http:               &http.Client{Timeout: 30 * time.Second},
		chainID:            chainID,
		token:              token,
		log:                log,
		tokenDomainName:    "USD Coin",
		tokenDomainVersion: "2",
		now:                time.Now,
	}
}

// wire types for the facilitator API

type verifyRequest struct {
	X402Version         int          `json:"x402Version"`
	PaymentPayload      *Payload     `json:"paymentPayload"`
	PaymentRequirements Requirements `json:"paymentRequirements"`
}

type verifyResponse struct {
	IsValid       bool   `json:"isValid"`
	InvalidReason string `json:"invalidReason,omitempty"`
	Payer         string `json:"payer,omitempty"`
}

type settleResponse struct {
	Success     bool   `json:"success"`
	ErrorReason string `json:"errorReason,omitempty"`
	Transaction string `json:"transaction,omitempty"`
	Network     string `json:"network,omitempty"`
	Payer       string `json:"payer,omitempty"`
}

// Verify runs the local sanity checks and then delegates to the facilitator.
// All rejections surface as Valid=false; the returned error is non-nil only
// when ctx is done.
func (c *FacilitatorClient) Verify(ctx context.Context, p *Payload, reqs Requirements) (*VerificationResult, error) {
	if reason := c.checkLocal(p, reqs); reason != "" {
		return &VerificationResult{Valid: false, Reason: reason}, nil
	}

	var resp verifyResponse
	err := c.post(ctx, "/verify", verifyRequest{
		X402Version:         1,
		PaymentPayload:      p,
		PaymentRequirements: reqs,
	}, &resp)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		c.log.Warn("facilitator verify unreachable", zap.Error(err))
		return &VerificationResult{Valid: false, Reason: "facilitator unreachable: " + err.Error()}, nil
	}
	if !resp.IsValid {
		return &VerificationResult{Valid: false, Reason: resp.InvalidReason}, nil
	}
	return &VerificationResult{
		Valid:          true,
		Payer:          resp.Payer,
		VerificationID: uuid.NewString(),
	}, nil
}

// Settle finalizes the transfer. Unlike Verify, the HTTP call is made exactly
// once: retrying a settle whose outcome is unknown could move funds twice.
func (c *FacilitatorClient) Settle(ctx context.Context, p *Payload, reqs Requirements) (*SettlementResult, error) {
	body, err := json.Marshal(verifyRequest{
		X402Version:         1,
		PaymentPayload:      p,
		PaymentRequirements: reqs,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal settle request: %w", err)
	}

	var resp settleResponse
	if err := c.postOnce(ctx, "/settle", body, &resp); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return &SettlementResult{Settled: false, Reason: "facilitator settle failed: " + err.Error()}, nil
	}
	if !resp.Success {
		return &SettlementResult{Settled: false, Reason: resp.ErrorReason}, nil
	}
	return &SettlementResult{Settled: true, TxHash: resp.Transaction}, nil
}

// checkLocal returns a rejection reason, or "" when the payload passes.
func (c *FacilitatorClient) checkLocal(p *Payload, reqs Requirements) string {
	if p.Scheme != SchemeExact || p.Exact == nil {
		return "unsupported payment scheme for delegated verification"
	}
	a := p.Exact.Authorization

	if !strings.EqualFold(a.To, reqs.PayTo) {
		return "authorization payee does not match treasury"
	}

	value, ok := new(big.Int).SetString(a.Value, 10)
	if !ok {
		return "authorization value is not a decimal integer"
	}
	expected, ok := new(big.Int).SetString(reqs.AmountAtomic, 10)
	if !ok {
		return "misconfigured expected amount"
	}
	// Exact-amount scheme: anything other than the advertised price is refused.
	if value.Cmp(expected) != 0 {
		return fmt.Sprintf("authorization value %s does not equal required amount %s", a.Value, reqs.AmountAtomic)
	}

	validBefore, ok := new(big.Int).SetString(a.ValidBefore, 10)
	if !ok {
		return "authorization validBefore is not a decimal integer"
	}
	if validBefore.Int64() <= c.now().Unix() {
		return "authorization has expired"
	}

	signer, err := recoverAuthorizer(a, p.Exact.Signature, c.tokenDomainName, c.tokenDomainVersion, c.chainID, c.token)
	if err != nil {
		return "authorization signature unrecoverable: " + err.Error()
	}
	if !strings.EqualFold(signer.Hex(), a.From) {
		return "authorization signature does not match payer"
	}
	return ""
}

// post sends a JSON request with bounded exponential-backoff retries on
// transport failures and 5xx responses.
func (c *FacilitatorClient) post(ctx context.Context, path string, reqBody any, out any) error {
	body, err := json.Marshal(reqBody)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}

	bo := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewExponentialBackOff(), maxAttempts-1),
		ctx,
	)
	return backoff.Retry(func() error {
		err := c.postOnce(ctx, path, body, out)
		if err == nil {
			return nil
		}
		var he *httpStatusError
		if errors.As(err, &he) && he.code >= 400 && he.code < 500 {
			return backoff.Permanent(err)
		}
		return err
	}, bo)
}

func (c *FacilitatorClient) postOnce(ctx context.Context, path string, body []byte, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return &httpStatusError{code: resp.StatusCode, path: path}
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

type httpStatusError struct {
	code int
	path string
}

func (e *httpStatusError) Error() string {
	return fmt.Sprintf("facilitator %s: status %d", e.path, e.code)
}
