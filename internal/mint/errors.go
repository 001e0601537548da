package mint

import (
	"errors"
	"fmt"

	"github.com/geoplet/geoplet-mint/internal/payment"
)

// Stage names the step of the mint flow an error belongs to. Clients use it
// to decide whether retrying requires paying again: anything at or before
// StageSettlement failed without moving funds.
type Stage string

const (
	StageEligibility Stage = "eligibility"
	StagePayment     Stage = "payment"
	StageSimulation  Stage = "simulation"
	StageSettlement  Stage = "settlement"
	StageMint        Stage = "mint"
)

// StageError attaches the failing stage to an underlying error. The
// orchestrator never lets a lower-level error escape without one.
type StageError struct {
	Stage Stage
	Err   error
}

func (e *StageError) Error() string { return fmt.Sprintf("%s: %v", e.Stage, e.Err) }
func (e *StageError) Unwrap() error { return e.Err }

func stageErr(stage Stage, err error) error {
	return &StageError{Stage: stage, Err: err}
}

// Absorbing early-exit states.
var (
	// ErrAlreadyMinted: a Geoplet exists for this fid. Terminal.
	ErrAlreadyMinted = errors.New("geoplet already minted for this fid")
	// ErrMintingPaused: the contract pause flag is set. Retryable later.
	ErrMintingPaused = errors.New("minting is paused")
	// ErrNotSettled: the recovery path was invoked without a prior
	// settled/failed payment record.
	ErrNotSettled = errors.New("no settled payment on record")
	// ErrNoPendingArtwork: nothing to mint; the user must generate first.
	ErrNoPendingArtwork = errors.New("no pending artwork for this fid")
)

// PaymentRequiredError tells the client what to pay and how. Returned when a
// voucher is requested without a payment authorization and the fid has no
// free generation left.
type PaymentRequiredError struct {
	Requirements payment.Requirements
}

func (e *PaymentRequiredError) Error() string {
	return fmt.Sprintf("payment required: %s %s to %s",
		e.Requirements.AmountAtomic, e.Requirements.Asset, e.Requirements.PayTo)
}

// VerificationError: the payment authorization was rejected before any funds
// moved. Always safe to retry with a fresh authorization.
type VerificationError struct {
	Reason string
}

func (e *VerificationError) Error() string {
	return "payment verification failed: " + e.Reason
}

// SettlementError: settlement was refused after verification passed. No
// funds moved; terminal for this attempt but safe to retry from payment.
type SettlementError struct {
	Reason string
}

func (e *SettlementError) Error() string {
	return "payment settlement failed: " + e.Reason
}
