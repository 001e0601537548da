package mint

import (
	"context"
	"encoding/base64"
	"errors"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"github.com/geoplet/geoplet-mint/internal/generation"
	"github.com/geoplet/geoplet-mint/internal/payment"
	"github.com/geoplet/geoplet-mint/internal/status"
	"github.com/geoplet/geoplet-mint/internal/voucher"
)

// ── mocks ─────────────────────────────────────────────────────────────────────

type mockChain struct {
	minted      bool
	paused      bool
	simulateErr error

	mintedErr    error
	simulateHits int
}

func (m *mockChain) IsFidMinted(_ context.Context, _ *big.Int) (bool, error) {
	return m.minted, m.mintedErr
}
func (m *mockChain) MintingPaused(_ context.Context) (bool, error) { return m.paused, nil }
func (m *mockChain) SimulateMint(_ context.Context, _ *voucher.MintVoucher, _, _ []byte) error {
	m.simulateHits++
	return m.simulateErr
}

type mockIssuer struct {
	err  error
	hits int
}

func (m *mockIssuer) Issue(recipient common.Address, fid *big.Int) (*voucher.MintVoucher, []byte, error) {
	m.hits++
	if m.err != nil {
		return nil, nil, m.err
	}
	return &voucher.MintVoucher{
		To:       recipient,
		Fid:      new(big.Int).Set(fid),
		Nonce:    big.NewInt(1_700_000_000),
		Deadline: big.NewInt(1_700_000_900),
	}, make([]byte, 65), nil
}

type mockVerifier struct {
	res  *payment.VerificationResult
	err  error
	hits int
}

func (m *mockVerifier) Verify(_ context.Context, _ *payment.Payload, _ payment.Requirements) (*payment.VerificationResult, error) {
	m.hits++
	if m.err != nil {
		return nil, m.err
	}
	return m.res, nil
}

type mockSettlements struct {
	res  *payment.SettlementResult
	err  error
	hits int
}

func (m *mockSettlements) Settle(_ context.Context, _ int64, _ *payment.Payload, _ payment.Requirements) (*payment.SettlementResult, error) {
	m.hits++
	if m.err != nil {
		return nil, m.err
	}
	return m.res, nil
}

type mockStatuses struct {
	rec       *status.PaymentRecord
	getErr    error
	minted    []string // tx hashes
	failed    int
	markedErr error
}

func (m *mockStatuses) GetStatus(_ context.Context, _ int64) (*status.PaymentRecord, error) {
	if m.getErr != nil {
		return nil, m.getErr
	}
	return m.rec, nil
}
func (m *mockStatuses) MarkMinted(_ context.Context, _ int64, txHash string) error {
	if m.markedErr != nil {
		return m.markedErr
	}
	if m.rec == nil {
		return status.ErrNotFound
	}
	m.minted = append(m.minted, txHash)
	return nil
}
func (m *mockStatuses) MarkFailed(_ context.Context, _ int64) error {
	if m.markedErr != nil {
		return m.markedErr
	}
	if m.rec == nil {
		return status.ErrNotFound
	}
	m.failed++
	return nil
}

type mockGenerations struct {
	pending *generation.Pending
	getErr  error
	cleared int
}

func (m *mockGenerations) Get(_ context.Context, _ int64) (*generation.Pending, error) {
	if m.getErr != nil {
		return nil, m.getErr
	}
	return m.pending, nil
}
func (m *mockGenerations) Clear(_ context.Context, _ int64) error {
	m.cleared++
	return nil
}

// ── fixture ───────────────────────────────────────────────────────────────────

const testFid = int64(555)

var testRecipient = common.HexToAddress("0xf39Fd6e51aad88F6F4ce6aB8827279cffFb92266")

type fixture struct {
	chain       *mockChain
	issuer      *mockIssuer
	verifier    *mockVerifier
	settlements *mockSettlements
	statuses    *mockStatuses
	generations *mockGenerations
	orch        *Orchestrator
}

func newFixture() *fixture {
	f := &fixture{
		chain:  &mockChain{},
		issuer: &mockIssuer{},
		verifier: &mockVerifier{
			res: &payment.VerificationResult{Valid: true, Payer: testRecipient.Hex(), VerificationID: "v-1"},
		},
		settlements: &mockSettlements{
			res: &payment.SettlementResult{Settled: true, TxHash: "0xfeed"},
		},
		statuses: &mockStatuses{getErr: status.ErrNotFound},
		generations: &mockGenerations{
			pending: &generation.Pending{
				Fid:      testFid,
				ImageB64: base64.StdEncoding.EncodeToString(make([]byte, 64)),
			},
		},
	}
	reqs := payment.Requirements{
		Scheme:       payment.SchemeExact,
		Network:      "base",
		AmountAtomic: "1990000",
		Asset:        "0x833589fCD6eDb6E08f4c7C32D4f71b54bdA02913",
		PayTo:        "0x70997970C51812dc3A010C7d01b50e0d17dc79C8",
	}
	f.orch = NewOrchestrator(f.chain, f.issuer, f.verifier, f.settlements, f.statuses, f.generations, reqs, zap.NewNop())
	return f
}

func exactPayload() *payment.Payload {
	return &payment.Payload{
		Scheme: payment.SchemeExact,
		Exact:  &payment.ExactEVMPayload{Signature: "0xabc"},
	}
}

func wantStage(t *testing.T, err error, stage Stage) *StageError {
	t.Helper()
	var se *StageError
	if !errors.As(err, &se) {
		t.Fatalf("error %v carries no stage", err)
	}
	if se.Stage != stage {
		t.Fatalf("stage = %s, want %s", se.Stage, stage)
	}
	return se
}

// ── RequestVoucher: paid flow ─────────────────────────────────────────────────

func TestRequestVoucher_PaidHappyPath(t *testing.T) {
	f := newFixture()

	grant, err := f.orch.RequestVoucher(context.Background(), testRecipient, testFid, exactPayload())
	if err != nil {
		t.Fatalf("RequestVoucher: %v", err)
	}
	if !grant.Paid {
		t.Fatal("paid grant not flagged paid")
	}
	if grant.Voucher.Fid.Int64() != testFid {
		t.Fatalf("voucher fid = %d", grant.Voucher.Fid.Int64())
	}
	if f.verifier.hits != 1 || f.settlements.hits != 1 || f.chain.simulateHits != 1 {
		t.Fatalf("verify/settle/simulate hits = %d/%d/%d, want 1/1/1",
			f.verifier.hits, f.settlements.hits, f.chain.simulateHits)
	}
}

func TestRequestVoucher_NoPaymentGets402Terms(t *testing.T) {
	f := newFixture()

	_, err := f.orch.RequestVoucher(context.Background(), testRecipient, testFid, nil)
	wantStage(t, err, StagePayment)

	var payReq *PaymentRequiredError
	if !errors.As(err, &payReq) {
		t.Fatalf("error %v is not PaymentRequiredError", err)
	}
	if payReq.Requirements.AmountAtomic != "1990000" {
		t.Fatalf("advertised amount = %s", payReq.Requirements.AmountAtomic)
	}
	if payReq.Requirements.Resource != "geoplet:mint:555" {
		t.Fatalf("advertised resource = %s", payReq.Requirements.Resource)
	}
	if f.settlements.hits != 0 {
		t.Fatal("settlement attempted without payment")
	}
}

func TestRequestVoucher_FreeFirstGeneration(t *testing.T) {
	f := newFixture()
	f.generations.pending.FirstFree = true

	grant, err := f.orch.RequestVoucher(context.Background(), testRecipient, testFid, nil)
	if err != nil {
		t.Fatalf("RequestVoucher: %v", err)
	}
	if grant.Paid {
		t.Fatal("free grant flagged paid")
	}
	if f.verifier.hits != 0 || f.settlements.hits != 0 {
		t.Fatal("free mint touched the payment rail")
	}
	if f.chain.simulateHits != 1 {
		t.Fatal("free mint skipped simulation")
	}
}

func TestRequestVoucher_ExplicitPaymentOverridesFreeMint(t *testing.T) {
	f := newFixture()
	f.generations.pending.FirstFree = true

	grant, err := f.orch.RequestVoucher(context.Background(), testRecipient, testFid, exactPayload())
	if err != nil {
		t.Fatalf("RequestVoucher: %v", err)
	}
	if !grant.Paid {
		t.Fatal("explicit payment not honored")
	}
	if f.verifier.hits != 1 || f.settlements.hits != 1 {
		t.Fatal("explicit payment skipped the payment rail")
	}
}

func TestRequestVoucher_VerificationFailureNeverSettles(t *testing.T) {
	f := newFixture()
	f.verifier.res = &payment.VerificationResult{Valid: false, Reason: "authorization expired"}

	_, err := f.orch.RequestVoucher(context.Background(), testRecipient, testFid, exactPayload())
	wantStage(t, err, StagePayment)

	var verr *VerificationError
	if !errors.As(err, &verr) {
		t.Fatalf("error %v is not VerificationError", err)
	}
	if f.settlements.hits != 0 {
		t.Fatalf("settler invoked %d times after failed verification, want 0", f.settlements.hits)
	}
	if f.issuer.hits != 0 {
		t.Fatal("voucher issued for an unverified payment")
	}
}

func TestRequestVoucher_SimulationFailureNeverSettles(t *testing.T) {
	f := newFixture()
	f.chain.simulateErr = errors.New("execution reverted: ImageTooLarge()")

	_, err := f.orch.RequestVoucher(context.Background(), testRecipient, testFid, exactPayload())
	wantStage(t, err, StageSimulation)

	if f.settlements.hits != 0 {
		t.Fatal("doomed mint charged the user")
	}
}

func TestRequestVoucher_SettlementRefusal(t *testing.T) {
	f := newFixture()
	f.settlements.res = &payment.SettlementResult{Settled: false, Reason: "insufficient balance"}

	_, err := f.orch.RequestVoucher(context.Background(), testRecipient, testFid, exactPayload())
	wantStage(t, err, StageSettlement)

	var serr *SettlementError
	if !errors.As(err, &serr) {
		t.Fatalf("error %v is not SettlementError", err)
	}
}

// ── RequestVoucher: eligibility ───────────────────────────────────────────────

func TestRequestVoucher_AlreadyMinted(t *testing.T) {
	f := newFixture()
	f.chain.minted = true

	_, err := f.orch.RequestVoucher(context.Background(), testRecipient, testFid, exactPayload())
	wantStage(t, err, StageEligibility)
	if !errors.Is(err, ErrAlreadyMinted) {
		t.Fatalf("err = %v, want ErrAlreadyMinted", err)
	}
	if f.verifier.hits != 0 {
		t.Fatal("payment verified for an already minted fid")
	}
}

func TestRequestVoucher_Paused(t *testing.T) {
	f := newFixture()
	f.chain.paused = true

	_, err := f.orch.RequestVoucher(context.Background(), testRecipient, testFid, exactPayload())
	if !errors.Is(err, ErrMintingPaused) {
		t.Fatalf("err = %v, want ErrMintingPaused", err)
	}
}

func TestRequestVoucher_NoPendingArtwork(t *testing.T) {
	f := newFixture()
	f.generations.getErr = generation.ErrNotFound

	_, err := f.orch.RequestVoucher(context.Background(), testRecipient, testFid, exactPayload())
	if !errors.Is(err, ErrNoPendingArtwork) {
		t.Fatalf("err = %v, want ErrNoPendingArtwork", err)
	}
}

func TestRequestVoucher_OversizedPendingArtwork(t *testing.T) {
	f := newFixture()
	f.generations.pending.ImageB64 = base64.StdEncoding.EncodeToString(make([]byte, generation.MaxImageBytes+1))

	_, err := f.orch.RequestVoucher(context.Background(), testRecipient, testFid, exactPayload())
	wantStage(t, err, StageEligibility)
	if !errors.Is(err, generation.ErrImageTooLarge) {
		t.Fatalf("err = %v, want ErrImageTooLarge", err)
	}
}

func TestRequestVoucher_NegativeFid(t *testing.T) {
	f := newFixture()
	if _, err := f.orch.RequestVoucher(context.Background(), testRecipient, -1, exactPayload()); err == nil {
		t.Fatal("negative fid accepted")
	}
}

func TestRequestVoucher_SignerMismatchSurfacedAtMintStage(t *testing.T) {
	f := newFixture()
	f.issuer.err = voucher.ErrSignerMismatch

	_, err := f.orch.RequestVoucher(context.Background(), testRecipient, testFid, exactPayload())
	wantStage(t, err, StageMint)
	if !errors.Is(err, voucher.ErrSignerMismatch) {
		t.Fatalf("err = %v, want ErrSignerMismatch", err)
	}
	if f.settlements.hits != 0 {
		t.Fatal("user charged despite an unusable voucher")
	}
}

func TestRequestVoucher_CancelledBeforeSettlement(t *testing.T) {
	f := newFixture()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := f.orch.RequestVoucher(ctx, testRecipient, testFid, exactPayload())
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
	if f.settlements.hits != 0 {
		t.Fatal("settlement started on a cancelled context")
	}
}

// ── Recovery ──────────────────────────────────────────────────────────────────

func TestRecovery_SettledPaymentReissuesFree(t *testing.T) {
	f := newFixture()
	f.statuses.getErr = nil
	f.statuses.rec = &status.PaymentRecord{Fid: testFid, Status: status.StatusSettled, SettlementTx: "0xfeed"}

	grant, err := f.orch.RequestVoucherForSettledPayment(context.Background(), testRecipient, testFid)
	if err != nil {
		t.Fatalf("recovery: %v", err)
	}
	if !grant.Paid {
		t.Fatal("recovery grant not flagged paid")
	}
	if f.verifier.hits != 0 || f.settlements.hits != 0 {
		t.Fatal("recovery touched the payment rail")
	}
}

func TestRecovery_FailedStatusAlsoEligible(t *testing.T) {
	f := newFixture()
	f.statuses.getErr = nil
	f.statuses.rec = &status.PaymentRecord{Fid: testFid, Status: status.StatusFailed, SettlementTx: "0xfeed"}

	if _, err := f.orch.RequestVoucherForSettledPayment(context.Background(), testRecipient, testFid); err != nil {
		t.Fatalf("recovery: %v", err)
	}
}

func TestRecovery_NoRecord(t *testing.T) {
	f := newFixture()

	_, err := f.orch.RequestVoucherForSettledPayment(context.Background(), testRecipient, testFid)
	if !errors.Is(err, ErrNotSettled) {
		t.Fatalf("err = %v, want ErrNotSettled", err)
	}
	if f.issuer.hits != 0 {
		t.Fatal("voucher issued without a settlement record")
	}
}

func TestRecovery_AlreadyMintedRecord(t *testing.T) {
	f := newFixture()
	f.statuses.getErr = nil
	f.statuses.rec = &status.PaymentRecord{Fid: testFid, Status: status.StatusMinted, MintTx: "0xm1nt"}

	_, err := f.orch.RequestVoucherForSettledPayment(context.Background(), testRecipient, testFid)
	if !errors.Is(err, ErrAlreadyMinted) {
		t.Fatalf("err = %v, want ErrAlreadyMinted", err)
	}
}

func TestRecovery_RefundedRecordNotEligible(t *testing.T) {
	f := newFixture()
	f.statuses.getErr = nil
	f.statuses.rec = &status.PaymentRecord{Fid: testFid, Status: status.StatusRefunded}

	_, err := f.orch.RequestVoucherForSettledPayment(context.Background(), testRecipient, testFid)
	if !errors.Is(err, ErrNotSettled) {
		t.Fatalf("err = %v, want ErrNotSettled", err)
	}
}

func TestRecovery_StillChecksChainEligibility(t *testing.T) {
	f := newFixture()
	f.statuses.getErr = nil
	f.statuses.rec = &status.PaymentRecord{Fid: testFid, Status: status.StatusSettled}
	f.chain.minted = true

	_, err := f.orch.RequestVoucherForSettledPayment(context.Background(), testRecipient, testFid)
	if !errors.Is(err, ErrAlreadyMinted) {
		t.Fatalf("err = %v, want ErrAlreadyMinted", err)
	}
}

// ── Outcome reporting ─────────────────────────────────────────────────────────

func TestReportMintOutcome_SuccessClearsGeneration(t *testing.T) {
	f := newFixture()
	f.statuses.getErr = nil
	f.statuses.rec = &status.PaymentRecord{Fid: testFid, Status: status.StatusSettled, SettlementTx: "0xfeed"}

	err := f.orch.ReportMintOutcome(context.Background(), testFid, MintOutcome{Minted: true, TxHash: "0xm1nt"})
	if err != nil {
		t.Fatalf("ReportMintOutcome: %v", err)
	}
	if len(f.statuses.minted) != 1 || f.statuses.minted[0] != "0xm1nt" {
		t.Fatalf("minted records = %v", f.statuses.minted)
	}
	if f.generations.cleared != 1 {
		t.Fatal("pending generation not cleared after mint")
	}
}

func TestReportMintOutcome_FreeMintHasNoRecordToUpdate(t *testing.T) {
	f := newFixture()

	// A free first mint never settled, so there is no record to mark; the
	// report still clears the pending artwork.
	err := f.orch.ReportMintOutcome(context.Background(), testFid, MintOutcome{Minted: true, TxHash: "0xm1nt"})
	if err != nil {
		t.Fatalf("ReportMintOutcome: %v", err)
	}
	if f.generations.cleared != 1 {
		t.Fatal("pending generation not cleared after a free mint")
	}
}

func TestReportMintOutcome_FailureKeepsGeneration(t *testing.T) {
	f := newFixture()
	f.statuses.getErr = nil
	f.statuses.rec = &status.PaymentRecord{Fid: testFid, Status: status.StatusSettled, SettlementTx: "0xfeed"}

	if err := f.orch.ReportMintOutcome(context.Background(), testFid, MintOutcome{Minted: false}); err != nil {
		t.Fatalf("ReportMintOutcome: %v", err)
	}
	if f.statuses.failed != 1 {
		t.Fatalf("failed marks = %d, want 1", f.statuses.failed)
	}
	if f.generations.cleared != 0 {
		t.Fatal("pending generation cleared on a failed mint")
	}
}

func TestReportMintOutcome_FailureForUnpaidFidDoesNotUnlockRecovery(t *testing.T) {
	f := newFixture()

	// Reporting a failed mint for a fid that never settled must not create a
	// record; otherwise recovery would issue a voucher with no payment at all.
	err := f.orch.ReportMintOutcome(context.Background(), testFid, MintOutcome{Minted: false})
	if !errors.Is(err, status.ErrNotFound) {
		t.Fatalf("err = %v, want status.ErrNotFound", err)
	}
	if f.statuses.failed != 0 {
		t.Fatal("failed record fabricated for an unpaid fid")
	}

	_, err = f.orch.RequestVoucherForSettledPayment(context.Background(), testRecipient, testFid)
	if !errors.Is(err, ErrNotSettled) {
		t.Fatalf("recovery err = %v, want ErrNotSettled", err)
	}
	if f.issuer.hits != 0 || f.verifier.hits != 0 || f.settlements.hits != 0 {
		t.Fatalf("issue/verify/settle hits = %d/%d/%d for an unpaid fid, want 0/0/0",
			f.issuer.hits, f.verifier.hits, f.settlements.hits)
	}
}
