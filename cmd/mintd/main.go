package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/geoplet/geoplet-mint/internal/api"
	"github.com/geoplet/geoplet-mint/internal/chain"
	"github.com/geoplet/geoplet-mint/internal/config"
	"github.com/geoplet/geoplet-mint/internal/generation"
	"github.com/geoplet/geoplet-mint/internal/imagegen"
	"github.com/geoplet/geoplet-mint/internal/indexer"
	"github.com/geoplet/geoplet-mint/internal/mint"
	"github.com/geoplet/geoplet-mint/internal/payment"
	"github.com/geoplet/geoplet-mint/internal/settlement"
	"github.com/geoplet/geoplet-mint/internal/status"
	"github.com/geoplet/geoplet-mint/internal/voucher"
)

func main() {
	log, _ := zap.NewProduction()
	defer log.Sync() //nolint:errcheck

	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		log.Fatal("config load failed", zap.Error(err))
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// ── Redis ─────────────────────────────────────────────────────────────────
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		log.Fatal("redis ping failed", zap.Error(err))
	}

	// ── Chain client (ABI binding over the Geoplet contract) ──────────────────
	onchain, err := chain.NewClient(cfg)
	if err != nil {
		log.Fatal("chain client init failed", zap.Error(err))
	}

	// ── Voucher issuer (fail fast on a bad signing key) ───────────────────────
	issuer, err := voucher.NewIssuer(cfg.Chain.SignerKey, onchain.ChainID(), onchain.ContractAddress())
	if err != nil {
		log.Fatal("voucher issuer init failed", zap.Error(err))
	}
	log.Info("voucher signer ready", zap.String("signer", issuer.SignerAddress().Hex()))

	// ── Payment strategy (fixed at startup from config) ───────────────────────
	usdc := common.HexToAddress(cfg.Payment.AssetAddress)
	var strategy payment.Strategy
	switch cfg.Payment.Mode {
	case "facilitator":
		strategy = payment.NewFacilitatorClient(cfg.Payment.FacilitatorURL, onchain.ChainID(), usdc, log)
	case "onchain":
		strategy = payment.NewOnchainVerifier(onchain.Eth(), usdc, log)
	default:
		log.Fatal("unknown payment mode", zap.String("mode", cfg.Payment.Mode))
	}
	log.Info("payment strategy ready", zap.String("mode", cfg.Payment.Mode))

	// ── Stores + coordinator + orchestrator ───────────────────────────────────
	statuses := status.NewStore(rdb)
	generations := generation.NewStore(rdb)
	coordinator := settlement.NewCoordinator(strategy, statuses, log)

	reqs := payment.Requirements{
		Scheme:            payment.SchemeExact,
		Network:           cfg.Payment.Network,
		AmountAtomic:      cfg.Payment.PriceAtomic,
		Asset:             cfg.Payment.AssetAddress,
		PayTo:             cfg.Payment.TreasuryAddress,
		MaxTimeoutSeconds: 60,
	}

	orch := mint.NewOrchestrator(onchain, issuer, strategy, coordinator, statuses, generations, reqs, log)

	// ── Auxiliary clients ─────────────────────────────────────────────────────
	images := imagegen.NewClient(cfg.ImageGen.APIURL, cfg.ImageGen.APIKey)
	indexed := indexer.NewClient(cfg.Indexer.APIURL, cfg.Indexer.APIKey)
	limiter := generation.NewLimiter(5, time.Minute)

	// ── HTTP server ───────────────────────────────────────────────────────────
	r := gin.New()
	r.Use(gin.Recovery())
	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"ok": true})
	})

	group := r.Group("/api")
	api.NewHandler(orch, generations, limiter, images, indexed, onchain, log).Register(group)

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Server.Port),
		Handler: r,
	}

	go func() {
		log.Info("HTTP server starting", zap.Int("port", cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal("HTTP server error", zap.Error(err))
		}
	}()

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGTERM, syscall.SIGINT)
	<-quit

	log.Info("shutting down...")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("HTTP server shutdown error", zap.Error(err))
	}
	log.Info("shutdown complete")
}
