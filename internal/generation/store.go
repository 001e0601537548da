// Package generation stores a user's most recent unminted Geoplet artwork.
package generation

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/geoplet/geoplet-mint/internal/voucher"
)

// MaxImageBytes is the ceiling on the raw (decoded) image payload. The
// Geoplet contract enforces the same limit on-chain, so anything that passes
// here is storable there.
const MaxImageBytes = 24576

// ErrImageTooLarge is returned when the decoded payload exceeds MaxImageBytes.
var ErrImageTooLarge = fmt.Errorf("generation: image exceeds %d bytes", MaxImageBytes)

// ErrNotFound is returned when a FID has no pending generation.
var ErrNotFound = errors.New("generation: no pending artwork")

// Pending is one unminted artwork awaiting its mint. FirstFree is fixed at
// save time: a generation saved when no row existed yet mints for free.
type Pending struct {
	Fid       int64
	ImageB64  string
	FirstFree bool
	CreatedAt int64
}

type Store struct {
	rdb *redis.Client
	now func() time.Time
}

func NewStore(rdb *redis.Client) *Store {
	return &Store{rdb: rdb, now: time.Now}
}

func generationKey(fid int64) string {
	return fmt.Sprintf(voucher.GenerationKeyFmt, fid)
}

// ValidateImage decodes imageB64 (with or without a data-URI prefix) and
// checks the raw byte length against the contract ceiling. The check is on
// decoded bytes: the base64 text is a third longer and would pass oversized
// payloads if measured instead.
func ValidateImage(imageB64 string) ([]byte, error) {
	if idx := strings.Index(imageB64, ","); idx >= 0 && strings.HasPrefix(imageB64, "data:") {
		imageB64 = imageB64[idx+1:]
	}
	raw, err := base64.StdEncoding.DecodeString(imageB64)
	if err != nil {
		return nil, fmt.Errorf("generation: invalid base64 payload: %w", err)
	}
	if len(raw) == 0 {
		return nil, errors.New("generation: empty image payload")
	}
	if len(raw) > MaxImageBytes {
		return nil, ErrImageTooLarge
	}
	return raw, nil
}

// Save validates and upserts the pending artwork for fid. The free flag is
// derived from row existence at save time: only a fid with no prior
// generation row gets a free mint.
func (s *Store) Save(ctx context.Context, fid int64, imageB64 string) error {
	if _, err := ValidateImage(imageB64); err != nil {
		return err
	}
	key := generationKey(fid)
	prior, err := s.rdb.Exists(ctx, key).Result()
	if err != nil {
		return fmt.Errorf("save generation: %w", err)
	}
	firstFree := 0
	if prior == 0 {
		firstFree = 1
	}
	return s.rdb.HSet(ctx, key,
		"image_b64", imageB64,
		"first_free", firstFree,
		"created_at", s.now().Unix(),
	).Err()
}

// Get returns the pending artwork for fid, or ErrNotFound.
func (s *Store) Get(ctx context.Context, fid int64) (*Pending, error) {
	vals, err := s.rdb.HGetAll(ctx, generationKey(fid)).Result()
	if err != nil {
		return nil, fmt.Errorf("get generation: %w", err)
	}
	if len(vals) == 0 {
		return nil, ErrNotFound
	}
	createdAt, _ := strconv.ParseInt(vals["created_at"], 10, 64)
	return &Pending{
		Fid:       fid,
		ImageB64:  vals["image_b64"],
		FirstFree: vals["first_free"] == "1",
		CreatedAt: createdAt,
	}, nil
}

// HasPrior reports whether fid has ever saved a generation. The first
// generation is free; the flag is simply "does a row already exist".
func (s *Store) HasPrior(ctx context.Context, fid int64) (bool, error) {
	n, err := s.rdb.Exists(ctx, generationKey(fid)).Result()
	if err != nil {
		return false, fmt.Errorf("check prior generation: %w", err)
	}
	return n > 0, nil
}

// Clear removes the pending artwork once its mint has confirmed.
func (s *Store) Clear(ctx context.Context, fid int64) error {
	return s.rdb.Del(ctx, generationKey(fid)).Err()
}
