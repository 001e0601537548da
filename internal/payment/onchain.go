package payment

import (
	"context"
	"fmt"
	"math/big"
	"strings"

	"github.com/cenkalti/backoff/v4"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"go.uber.org/zap"
)

// transferTopic is the ERC-20 Transfer(address,address,uint256) event signature.
var transferTopic = crypto.Keccak256Hash([]byte("Transfer(address,address,uint256)"))

// ReceiptFetcher is the slice of ethclient.Client the direct strategy needs.
type ReceiptFetcher interface {
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
}

// OnchainVerifier implements the direct strategy: the client has already
// submitted the USDC transfer itself, and verification inspects the receipt.
// Settlement is a no-op because the funds moved with the referenced
// transaction.
type OnchainVerifier struct {
	eth   ReceiptFetcher
	token common.Address
	log   *zap.Logger
}

func NewOnchainVerifier(eth ReceiptFetcher, token common.Address, log *zap.Logger) *OnchainVerifier {
	return &OnchainVerifier{eth: eth, token: token, log: log}
}

func (v *OnchainVerifier) Verify(ctx context.Context, p *Payload, reqs Requirements) (*VerificationResult, error) {
	if p.Onchain == nil {
		return &VerificationResult{Valid: false, Reason: "onchain verification requires a transaction reference"}, nil
	}
	expected, ok := new(big.Int).SetString(reqs.AmountAtomic, 10)
	if !ok {
		return &VerificationResult{Valid: false, Reason: "misconfigured expected amount"}, nil
	}
	txHash := common.HexToHash(p.Onchain.TxHash)
	payer := common.HexToAddress(p.Onchain.Payer)
	treasury := common.HexToAddress(reqs.PayTo)

	receipt, err := v.fetchReceipt(ctx, txHash)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		v.log.Warn("receipt fetch failed", zap.String("tx", txHash.Hex()), zap.Error(err))
		return &VerificationResult{Valid: false, Reason: "transaction receipt unavailable: " + err.Error()}, nil
	}
	if receipt.Status != types.ReceiptStatusSuccessful {
		return &VerificationResult{Valid: false, Reason: "payment transaction reverted"}, nil
	}

	// One transaction can carry several token transfers (router hops, fee
	// splits); only a payer→treasury transfer of at least the price counts,
	// so mismatching logs are skipped rather than rejected.
	for _, lg := range receipt.Logs {
		if lg.Address != v.token {
			continue
		}
		if len(lg.Topics) != 3 || lg.Topics[0] != transferTopic {
			continue
		}
		from := common.BytesToAddress(lg.Topics[1].Bytes())
		to := common.BytesToAddress(lg.Topics[2].Bytes())
		value := new(big.Int).SetBytes(lg.Data)

		if from != payer || to != treasury || value.Cmp(expected) < 0 {
			continue
		}
		return &VerificationResult{
			Valid:          true,
			Payer:          strings.ToLower(payer.Hex()),
			VerificationID: txHash.Hex(),
		}, nil
	}
	return &VerificationResult{Valid: false, Reason: fmt.Sprintf("no transfer of at least %s from payer to treasury in transaction", expected)}, nil
}

// Settle reports the already-executed transfer as the settlement. Funds moved
// when the client submitted the transaction, so there is nothing left to do.
func (v *OnchainVerifier) Settle(_ context.Context, p *Payload, _ Requirements) (*SettlementResult, error) {
	if p.Onchain == nil {
		return &SettlementResult{Settled: false, Reason: "missing transaction reference"}, nil
	}
	return &SettlementResult{Settled: true, TxHash: p.Onchain.TxHash}, nil
}

func (v *OnchainVerifier) fetchReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error) {
	var receipt *types.Receipt
	bo := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewExponentialBackOff(), maxAttempts-1),
		ctx,
	)
	err := backoff.Retry(func() error {
		var err error
		receipt, err = v.eth.TransactionReceipt(ctx, txHash)
		return err
	}, bo)
	return receipt, err
}
