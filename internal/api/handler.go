// Package api exposes the mint protocol over HTTP for the mini-app client.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"math/big"
	"net/http"
	"strconv"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/geoplet/geoplet-mint/internal/chain"
	"github.com/geoplet/geoplet-mint/internal/generation"
	"github.com/geoplet/geoplet-mint/internal/mint"
	"github.com/geoplet/geoplet-mint/internal/payment"
	"github.com/geoplet/geoplet-mint/internal/status"
	"github.com/geoplet/geoplet-mint/internal/voucher"
)

// ImageGenerator is the slice of imagegen.Client the handler needs.
type ImageGenerator interface {
	Generate(ctx context.Context, sourceImageURL string) (string, error)
}

// IndexedImages resolves a minted token's image from the metadata indexer.
type IndexedImages interface {
	TokenImage(ctx context.Context, tokenID int64) (string, error)
}

// ContractImages is the on-chain fallback when the indexer has no entry yet.
type ContractImages interface {
	TokenImage(ctx context.Context, fid *big.Int) (string, error)
}

// Handler wires all mint/generation routes onto a Gin engine.
type Handler struct {
	orch     *mint.Orchestrator
	gens     *generation.Store
	limiter  *generation.Limiter
	images   ImageGenerator
	indexed  IndexedImages
	contract ContractImages
	log      *zap.Logger
}

func NewHandler(
	orch *mint.Orchestrator,
	gens *generation.Store,
	limiter *generation.Limiter,
	images ImageGenerator,
	indexed IndexedImages,
	contract ContractImages,
	log *zap.Logger,
) *Handler {
	return &Handler{
		orch:     orch,
		gens:     gens,
		limiter:  limiter,
		images:   images,
		indexed:  indexed,
		contract: contract,
		log:      log,
	}
}

// Register mounts all routes on the group.
func (h *Handler) Register(rg *gin.RouterGroup) {
	rg.POST("/mint/voucher", h.handleVoucher)
	rg.POST("/mint/recovery", h.handleRecovery)
	rg.GET("/mint/status/:fid", h.handleStatus)
	rg.POST("/mint/outcome", h.handleOutcome)

	rg.POST("/generate", h.handleGenerate)
	rg.GET("/generation/:fid", h.handleGetGeneration)
	rg.GET("/token/:fid/image", h.handleTokenImage)
}

// ── Voucher issuance ────────────────────────────────────────────────────────

type voucherRequest struct {
	Address string          `json:"address"`
	Fid     int64           `json:"fid"`
	Payment json.RawMessage `json:"payment,omitempty"`
}

type grantResponse struct {
	Voucher   *voucher.MintVoucher `json:"voucher"`
	Signature string               `json:"signature"`
	Paid      bool                 `json:"paid"`
}

func (h *Handler) handleVoucher(c *gin.Context) {
	var req voucherRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	if !common.IsHexAddress(req.Address) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid recipient address"})
		return
	}

	var p *payment.Payload
	if len(req.Payment) > 0 {
		parsed, err := payment.ParsePayload(req.Payment)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		p = parsed
	}

	grant, err := h.orch.RequestVoucher(c.Request.Context(), common.HexToAddress(req.Address), req.Fid, p)
	if err != nil {
		h.writeMintError(c, req.Fid, err)
		return
	}
	c.JSON(http.StatusOK, grantResponse{
		Voucher:   grant.Voucher,
		Signature: hexutil.Encode(grant.Signature),
		Paid:      grant.Paid,
	})
}

type recoveryRequest struct {
	Address string `json:"address"`
	Fid     int64  `json:"fid"`
}

func (h *Handler) handleRecovery(c *gin.Context) {
	var req recoveryRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	if !common.IsHexAddress(req.Address) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid recipient address"})
		return
	}

	grant, err := h.orch.RequestVoucherForSettledPayment(c.Request.Context(), common.HexToAddress(req.Address), req.Fid)
	if err != nil {
		h.writeMintError(c, req.Fid, err)
		return
	}
	c.JSON(http.StatusOK, grantResponse{
		Voucher:   grant.Voucher,
		Signature: hexutil.Encode(grant.Signature),
		Paid:      grant.Paid,
	})
}

// ── Status / outcome ────────────────────────────────────────────────────────

func (h *Handler) handleStatus(c *gin.Context) {
	fid, ok := parseFid(c)
	if !ok {
		return
	}
	rec, err := h.orch.GetPaymentStatus(c.Request.Context(), fid)
	if err != nil {
		if errors.Is(err, status.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "no payment record"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return
	}
	c.JSON(http.StatusOK, rec)
}

type outcomeRequest struct {
	Fid    int64  `json:"fid"`
	Minted bool   `json:"minted"`
	TxHash string `json:"txHash,omitempty"`
}

func (h *Handler) handleOutcome(c *gin.Context) {
	var req outcomeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	err := h.orch.ReportMintOutcome(c.Request.Context(), req.Fid, mint.MintOutcome{
		Minted: req.Minted,
		TxHash: req.TxHash,
	})
	if err != nil {
		if errors.Is(err, status.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "no payment record for this fid", "code": "not_settled"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

// ── Generation ──────────────────────────────────────────────────────────────

type generateRequest struct {
	Fid            int64  `json:"fid"`
	SourceImageURL string `json:"sourceImageUrl"`
}

func (h *Handler) handleGenerate(c *gin.Context) {
	var req generateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	if req.SourceImageURL == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "sourceImageUrl is required"})
		return
	}
	if !h.limiter.Allow(req.Fid) {
		c.JSON(http.StatusTooManyRequests, gin.H{"error": "too many generation requests, slow down"})
		return
	}

	img, err := h.images.Generate(c.Request.Context(), req.SourceImageURL)
	if err != nil {
		h.log.Warn("image generation failed", zap.Int64("fid", req.Fid), zap.Error(err))
		c.JSON(http.StatusBadGateway, gin.H{"error": "image generation failed"})
		return
	}
	if err := h.gens.Save(c.Request.Context(), req.Fid, img); err != nil {
		if errors.Is(err, generation.ErrImageTooLarge) {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error(), "code": "image_too_large"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return
	}
	pending, err := h.gens.Get(c.Request.Context(), req.Fid)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"image":     pending.ImageB64,
		"firstFree": pending.FirstFree,
	})
}

func (h *Handler) handleGetGeneration(c *gin.Context) {
	fid, ok := parseFid(c)
	if !ok {
		return
	}
	pending, err := h.gens.Get(c.Request.Context(), fid)
	if err != nil {
		if errors.Is(err, generation.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "no pending artwork"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"image":     pending.ImageB64,
		"firstFree": pending.FirstFree,
		"createdAt": pending.CreatedAt,
	})
}

func (h *Handler) handleTokenImage(c *gin.Context) {
	fid, ok := parseFid(c)
	if !ok {
		return
	}
	img, err := h.indexed.TokenImage(c.Request.Context(), fid)
	if err != nil {
		h.log.Warn("indexer lookup failed, falling back to contract",
			zap.Int64("fid", fid), zap.Error(err))
	}
	if img == "" {
		img, err = h.contract.TokenImage(c.Request.Context(), big.NewInt(fid))
		if err != nil {
			c.JSON(http.StatusBadGateway, gin.H{"error": "token image unavailable"})
			return
		}
	}
	if img == "" {
		c.JSON(http.StatusNotFound, gin.H{"error": "token not found"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"image": img})
}

// ── Error mapping ───────────────────────────────────────────────────────────

// writeMintError translates the orchestrator's error taxonomy into HTTP
// responses. The stage is always included so the client knows whether funds
// have moved (failures at or before settlement cost nothing).
func (h *Handler) writeMintError(c *gin.Context, fid int64, err error) {
	stage := ""
	var se *mint.StageError
	if errors.As(err, &se) {
		stage = string(se.Stage)
	}

	var payReq *mint.PaymentRequiredError
	if errors.As(err, &payReq) {
		c.JSON(http.StatusPaymentRequired, gin.H{
			"error":   "payment required",
			"stage":   stage,
			"accepts": []payment.Requirements{payReq.Requirements},
		})
		return
	}

	var verr *mint.VerificationError
	if errors.As(err, &verr) {
		c.JSON(http.StatusPaymentRequired, gin.H{
			"error": verr.Error(),
			"code":  "payment_verification_failed",
			"stage": stage,
		})
		return
	}

	var serr *mint.SettlementError
	if errors.As(err, &serr) {
		c.JSON(http.StatusBadGateway, gin.H{
			"error": serr.Error(),
			"code":  "settlement_failed",
			"stage": stage,
		})
		return
	}

	var rerr *chain.RevertError
	if errors.As(err, &rerr) {
		code := http.StatusConflict
		if rerr.Retryable {
			code = http.StatusBadRequest
		}
		c.JSON(code, gin.H{
			"error":     rerr.Message,
			"code":      rerr.Name,
			"retryable": rerr.Retryable,
			"stage":     stage,
		})
		return
	}

	switch {
	case errors.Is(err, mint.ErrAlreadyMinted):
		c.JSON(http.StatusConflict, gin.H{"error": "geoplet already minted", "code": "already_minted", "stage": stage})
	case errors.Is(err, mint.ErrMintingPaused):
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "minting is paused", "code": "minting_paused", "retryable": true, "stage": stage})
	case errors.Is(err, mint.ErrNotSettled):
		c.JSON(http.StatusConflict, gin.H{"error": "no settled payment on record", "code": "not_settled", "stage": stage})
	case errors.Is(err, mint.ErrNoPendingArtwork):
		c.JSON(http.StatusBadRequest, gin.H{"error": "generate artwork before minting", "code": "no_pending_artwork", "stage": stage})
	case errors.Is(err, generation.ErrImageTooLarge):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error(), "code": "image_too_large", "retryable": true, "stage": stage})
	case errors.Is(err, voucher.ErrSignerMismatch):
		h.log.Error("signer misconfiguration surfaced to client", zap.Int64("fid", fid))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "mint authorization unavailable", "code": "signer_misconfigured", "stage": stage})
	default:
		h.log.Error("mint request failed", zap.Int64("fid", fid), zap.String("stage", stage), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error", "stage": stage})
	}
}

func parseFid(c *gin.Context) (int64, bool) {
	fid, err := strconv.ParseInt(c.Param("fid"), 10, 64)
	if err != nil || fid < 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid fid"})
		return 0, false
	}
	return fid, true
}
