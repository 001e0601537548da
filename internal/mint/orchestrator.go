// Package mint sequences a mint request from eligibility check to voucher
// grant: eligibility → payment verification → simulation → settlement →
// voucher issuance. Settlement is the only step that moves funds, and it is
// placed last among the fallible ones so every earlier failure is free to
// retry. A failure after settlement never forces re-payment: the status
// record keeps the paid-recovery path open.
package mint

import (
	"context"
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"github.com/geoplet/geoplet-mint/internal/generation"
	"github.com/geoplet/geoplet-mint/internal/payment"
	"github.com/geoplet/geoplet-mint/internal/status"
	"github.com/geoplet/geoplet-mint/internal/voucher"
)

// ChainReader is the slice of chain.Client the orchestrator needs.
type ChainReader interface {
	IsFidMinted(ctx context.Context, fid *big.Int) (bool, error)
	MintingPaused(ctx context.Context) (bool, error)
	SimulateMint(ctx context.Context, v *voucher.MintVoucher, imageData, sig []byte) error
}

// Issuer produces signed vouchers (voucher.Issuer in production).
type Issuer interface {
	Issue(recipient common.Address, fid *big.Int) (*voucher.MintVoucher, []byte, error)
}

// SettlementCoordinator finalizes a verified payment and records it.
type SettlementCoordinator interface {
	Settle(ctx context.Context, fid int64, p *payment.Payload, reqs payment.Requirements) (*payment.SettlementResult, error)
}

// StatusStore is the slice of status.Store the orchestrator needs.
type StatusStore interface {
	GetStatus(ctx context.Context, fid int64) (*status.PaymentRecord, error)
	MarkMinted(ctx context.Context, fid int64, txHash string) error
	MarkFailed(ctx context.Context, fid int64) error
}

// GenerationStore is the slice of generation.Store the orchestrator needs.
type GenerationStore interface {
	Get(ctx context.Context, fid int64) (*generation.Pending, error)
	Clear(ctx context.Context, fid int64) error
}

// Grant is a voucher plus its signature, ready for the client to submit.
type Grant struct {
	Voucher   *voucher.MintVoucher `json:"voucher"`
	Signature []byte               `json:"signature"`
	// Paid reports whether this grant consumed a settled payment (false for
	// the free first generation and for recovery re-issues).
	Paid bool `json:"paid"`
}

// Orchestrator wires the mint pipeline together. All collaborators are
// injected at construction; nothing here reads ambient state.
type Orchestrator struct {
	chain       ChainReader
	issuer      Issuer
	verifier    payment.Verifier
	settlements SettlementCoordinator
	statuses    StatusStore
	generations GenerationStore
	reqs        payment.Requirements
	log         *zap.Logger
}

func NewOrchestrator(
	chain ChainReader,
	issuer Issuer,
	verifier payment.Verifier,
	settlements SettlementCoordinator,
	statuses StatusStore,
	generations GenerationStore,
	reqs payment.Requirements,
	log *zap.Logger,
) *Orchestrator {
	return &Orchestrator{
		chain:       chain,
		issuer:      issuer,
		verifier:    verifier,
		settlements: settlements,
		statuses:    statuses,
		generations: generations,
		reqs:        reqs,
		log:         log,
	}
}

// Requirements returns the payment terms for one fid's mint, used both for
// 402 responses and for verification.
func (o *Orchestrator) Requirements(fid int64) payment.Requirements {
	reqs := o.reqs
	reqs.Resource = fmt.Sprintf("geoplet:mint:%d", fid)
	return reqs
}

// RequestVoucher drives the full flow for one mint attempt. A nil payload is
// allowed only for a fid whose pending generation is the free first one;
// otherwise the caller gets a PaymentRequiredError describing the terms.
//
// Cancellation is cooperative: ctx is checked between stages, never mid-call,
// so an in-flight settlement always runs to completion and leaves its record.
func (o *Orchestrator) RequestVoucher(ctx context.Context, recipient common.Address, fid int64, p *payment.Payload) (*Grant, error) {
	pending, imageRaw, err := o.checkEligibility(ctx, fid)
	if err != nil {
		return nil, err
	}

	free := p == nil && pending.FirstFree
	if p == nil && !free {
		return nil, stageErr(StagePayment, &PaymentRequiredError{Requirements: o.Requirements(fid)})
	}

	if err := ctx.Err(); err != nil {
		return nil, stageErr(StagePayment, err)
	}

	if !free {
		res, err := o.verifier.Verify(ctx, p, o.Requirements(fid))
		if err != nil {
			return nil, stageErr(StagePayment, err)
		}
		if !res.Valid {
			return nil, stageErr(StagePayment, &VerificationError{Reason: res.Reason})
		}
		o.log.Info("payment verified",
			zap.Int64("fid", fid),
			zap.String("payer", res.Payer),
			zap.String("verification", res.VerificationID),
		)
	}

	v, sig, err := o.issuer.Issue(recipient, big.NewInt(fid))
	if err != nil {
		if errors.Is(err, voucher.ErrSignerMismatch) {
			// Key/domain misconfiguration. Operators must hear about this;
			// the user retrying will not help.
			o.log.Error("voucher self-verification failed — signer misconfigured",
				zap.Int64("fid", fid), zap.Error(err))
		}
		return nil, stageErr(StageMint, err)
	}

	// Simulate before settling: a mint that cannot succeed must not charge.
	if err := o.chain.SimulateMint(ctx, v, imageRaw, sig); err != nil {
		return nil, stageErr(StageSimulation, err)
	}

	if err := ctx.Err(); err != nil {
		return nil, stageErr(StageSettlement, err)
	}

	if !free {
		res, err := o.settlements.Settle(ctx, fid, p, o.Requirements(fid))
		if err != nil {
			return nil, stageErr(StageSettlement, err)
		}
		if !res.Settled {
			return nil, stageErr(StageSettlement, &SettlementError{Reason: res.Reason})
		}
	}

	return &Grant{Voucher: v, Signature: sig, Paid: !free}, nil
}

// RequestVoucherForSettledPayment is the recovery path: a fid whose payment
// settled but whose mint transaction failed (or never went out) gets a fresh
// voucher with no payment calls at all, gated only on the status record.
func (o *Orchestrator) RequestVoucherForSettledPayment(ctx context.Context, recipient common.Address, fid int64) (*Grant, error) {
	rec, err := o.statuses.GetStatus(ctx, fid)
	if err != nil {
		if errors.Is(err, status.ErrNotFound) {
			return nil, stageErr(StagePayment, ErrNotSettled)
		}
		return nil, stageErr(StagePayment, err)
	}
	switch rec.Status {
	case status.StatusSettled, status.StatusFailed:
		// paid, not yet minted — eligible for a free re-issue
	case status.StatusMinted:
		return nil, stageErr(StageEligibility, ErrAlreadyMinted)
	default:
		return nil, stageErr(StagePayment, ErrNotSettled)
	}

	if _, _, err := o.checkEligibility(ctx, fid); err != nil {
		return nil, err
	}

	v, sig, err := o.issuer.Issue(recipient, big.NewInt(fid))
	if err != nil {
		return nil, stageErr(StageMint, err)
	}
	o.log.Info("recovery voucher issued",
		zap.Int64("fid", fid),
		zap.String("settlement_tx", rec.SettlementTx),
	)
	return &Grant{Voucher: v, Signature: sig, Paid: true}, nil
}

// MintOutcome is the client's report of what its mint transaction did.
type MintOutcome struct {
	Minted bool   `json:"minted"`
	TxHash string `json:"txHash,omitempty"`
}

// ReportMintOutcome updates the status record after the client submitted (or
// abandoned) its mint transaction. Success is the only path that clears the
// pending generation. Free first mints have no payment record, so a missing
// record is tolerated on success; a failure report for a fid with no record
// is rejected — a "failed" row must never appear without a settlement behind
// it, or recovery would re-issue vouchers for fids that never paid.
func (o *Orchestrator) ReportMintOutcome(ctx context.Context, fid int64, outcome MintOutcome) error {
	if outcome.Minted {
		if err := o.statuses.MarkMinted(ctx, fid, outcome.TxHash); err != nil && !errors.Is(err, status.ErrNotFound) {
			return stageErr(StageMint, err)
		}
		if err := o.generations.Clear(ctx, fid); err != nil {
			o.log.Warn("minted but pending generation not cleared",
				zap.Int64("fid", fid), zap.Error(err))
		}
		return nil
	}
	if err := o.statuses.MarkFailed(ctx, fid); err != nil {
		return stageErr(StageMint, err)
	}
	return nil
}

// GetPaymentStatus exposes the raw status record.
func (o *Orchestrator) GetPaymentStatus(ctx context.Context, fid int64) (*status.PaymentRecord, error) {
	return o.statuses.GetStatus(ctx, fid)
}

// checkEligibility runs the pre-payment checks: fid not minted, minting not
// paused, a pending generation exists within the size ceiling. Returns the
// pending artwork and its decoded bytes for the later simulation.
func (o *Orchestrator) checkEligibility(ctx context.Context, fid int64) (*generation.Pending, []byte, error) {
	if fid < 0 {
		return nil, nil, stageErr(StageEligibility, errors.New("fid must be non-negative"))
	}

	minted, err := o.chain.IsFidMinted(ctx, big.NewInt(fid))
	if err != nil {
		return nil, nil, stageErr(StageEligibility, fmt.Errorf("minted check: %w", err))
	}
	if minted {
		return nil, nil, stageErr(StageEligibility, ErrAlreadyMinted)
	}

	paused, err := o.chain.MintingPaused(ctx)
	if err != nil {
		return nil, nil, stageErr(StageEligibility, fmt.Errorf("paused check: %w", err))
	}
	if paused {
		return nil, nil, stageErr(StageEligibility, ErrMintingPaused)
	}

	pending, err := o.generations.Get(ctx, fid)
	if err != nil {
		if errors.Is(err, generation.ErrNotFound) {
			return nil, nil, stageErr(StageEligibility, ErrNoPendingArtwork)
		}
		return nil, nil, stageErr(StageEligibility, err)
	}
	imageRaw, err := generation.ValidateImage(pending.ImageB64)
	if err != nil {
		return nil, nil, stageErr(StageEligibility, err)
	}
	return pending, imageRaw, nil
}
