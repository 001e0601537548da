// Package status persists the payment/mint lifecycle record for each FID.
// The record is what makes fee-free recovery possible: a user whose mint
// transaction failed after settlement is re-issued a voucher against this
// record instead of paying again.
package status

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/geoplet/geoplet-mint/internal/voucher"
)

// Payment lifecycle states. Transitions are settled → minted or
// settled → failed in practice; the store accepts any known status and lets
// the last write win (two browser tabs racing is tolerated by design).
const (
	StatusSettled  = "settled"
	StatusMinted   = "minted"
	StatusFailed   = "failed"
	StatusRefunded = "refunded"
)

// ErrNotFound is returned when no payment record exists for a FID.
var ErrNotFound = errors.New("status: no payment record")

// PaymentRecord is one row of payment/mint state, keyed by FID.
type PaymentRecord struct {
	Fid          int64  `json:"fid"`
	Status       string `json:"status"`
	SettlementTx string `json:"settlementTx,omitempty"`
	MintTx       string `json:"mintTx,omitempty"`
	RefundTx     string `json:"refundTx,omitempty"`
	AttemptID    string `json:"attemptId,omitempty"`
	CreatedAt    int64  `json:"createdAt"`
	UpdatedAt    int64  `json:"updatedAt"`
}

// Store keeps PaymentRecords in Redis hashes. HSET on a single key gives the
// storage-level upsert atomicity the recovery path depends on.
type Store struct {
	rdb *redis.Client
	now func() time.Time
}

func NewStore(rdb *redis.Client) *Store {
	return &Store{rdb: rdb, now: time.Now}
}

func paymentKey(fid int64) string {
	return fmt.Sprintf(voucher.PaymentKeyFmt, fid)
}

// GetStatus returns the record for fid, or ErrNotFound.
func (s *Store) GetStatus(ctx context.Context, fid int64) (*PaymentRecord, error) {
	vals, err := s.rdb.HGetAll(ctx, paymentKey(fid)).Result()
	if err != nil {
		return nil, fmt.Errorf("get payment record: %w", err)
	}
	if len(vals) == 0 {
		return nil, ErrNotFound
	}
	return recordFromMap(fid, vals), nil
}

// UpsertSettled records a confirmed settlement. Retried settlements for the
// same fid overwrite in place; there is never more than one row per identity.
func (s *Store) UpsertSettled(ctx context.Context, fid int64, txHash, attemptID string) error {
	now := s.now().Unix()
	key := paymentKey(fid)
	if err := s.rdb.HSetNX(ctx, key, "created_at", now).Err(); err != nil {
		return fmt.Errorf("upsert settled: %w", err)
	}
	return s.rdb.HSet(ctx, key,
		"status", StatusSettled,
		"settlement_tx", txHash,
		"attempt_id", attemptID,
		"updated_at", now,
	).Err()
}

// MarkMinted records the confirmed mint transaction.
func (s *Store) MarkMinted(ctx context.Context, fid int64, txHash string) error {
	return s.update(ctx, fid,
		"status", StatusMinted,
		"mint_tx", txHash,
	)
}

// MarkFailed flags a post-settlement mint failure, keeping the record (and
// with it the fee-free recovery path) alive.
func (s *Store) MarkFailed(ctx context.Context, fid int64) error {
	return s.update(ctx, fid,
		"status", StatusFailed,
	)
}

// MarkRefunded is used by the ops tooling after a manual refund.
func (s *Store) MarkRefunded(ctx context.Context, fid int64, txHash string) error {
	return s.update(ctx, fid,
		"status", StatusRefunded,
		"refund_tx", txHash,
	)
}

// update writes fields onto an existing record. Only UpsertSettled may create
// rows: a status transition for a fid with no settlement returns ErrNotFound
// instead of fabricating a record (a fabricated "failed" row would open the
// fee-free recovery path to fids that never paid).
func (s *Store) update(ctx context.Context, fid int64, pairs ...any) error {
	key := paymentKey(fid)
	n, err := s.rdb.Exists(ctx, key).Result()
	if err != nil {
		return fmt.Errorf("update payment record: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	pairs = append(pairs, "updated_at", s.now().Unix())
	return s.rdb.HSet(ctx, key, pairs...).Err()
}

func recordFromMap(fid int64, m map[string]string) *PaymentRecord {
	createdAt, _ := strconv.ParseInt(m["created_at"], 10, 64)
	updatedAt, _ := strconv.ParseInt(m["updated_at"], 10, 64)
	return &PaymentRecord{
		Fid:          fid,
		Status:       m["status"],
		SettlementTx: m["settlement_tx"],
		MintTx:       m["mint_tx"],
		RefundTx:     m["refund_tx"],
		AttemptID:    m["attempt_id"],
		CreatedAt:    createdAt,
		UpdatedAt:    updatedAt,
	}
}
