package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

type Config struct {
	Server   ServerConfig
	Redis    RedisConfig
	Chain    ChainConfig
	Payment  PaymentConfig
	ImageGen ImageGenConfig
	Indexer  IndexerConfig
}

type ServerConfig struct {
	Port int `mapstructure:"port"`
}

type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
}

type ChainConfig struct {
	RPCURL          string `mapstructure:"rpc_url"`
	ContractAddress string `mapstructure:"contract_address"`
	SignerKey       string `mapstructure:"signer_key"`
	ChainID         int64  `mapstructure:"chain_id"`
}

// PaymentConfig selects and parameterizes the payment verification strategy.
// Mode is "facilitator" (delegated x402 verification+settlement) or "onchain"
// (direct receipt inspection; settlement is then a no-op).
type PaymentConfig struct {
	Mode            string `mapstructure:"mode"`
	FacilitatorURL  string `mapstructure:"facilitator_url"`
	PriceAtomic     string `mapstructure:"price_atomic"`
	AssetAddress    string `mapstructure:"asset_address"`
	TreasuryAddress string `mapstructure:"treasury_address"`
	Network         string `mapstructure:"network"`
}

type ImageGenConfig struct {
	APIURL string `mapstructure:"api_url"`
	APIKey string `mapstructure:"api_key"`
}

type IndexerConfig struct {
	APIURL string `mapstructure:"api_url"`
	APIKey string `mapstructure:"api_key"`
}

func Load() (*Config, error) {
	v := viper.New()

	// Defaults
	v.SetDefault("server.port", 8080)
	v.SetDefault("redis.addr", "redis:6379")
	v.SetDefault("payment.mode", "facilitator")
	v.SetDefault("payment.price_atomic", "1990000")
	v.SetDefault("payment.network", "base")

	// Config file (optional)
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("/app")
	_ = v.ReadInConfig()

	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Explicit env bindings
	bindings := map[string]string{
		"server.port":              "PORT",
		"redis.addr":               "REDIS_ADDR",
		"redis.password":           "REDIS_PASSWORD",
		"chain.rpc_url":            "RPC_URL",
		"chain.contract_address":   "GEOPLET_CONTRACT",
		"chain.signer_key":         "VOUCHER_SIGNING_KEY",
		"chain.chain_id":           "CHAIN_ID",
		"payment.mode":             "PAYMENT_MODE",
		"payment.facilitator_url":  "FACILITATOR_URL",
		"payment.price_atomic":     "MINT_PRICE_ATOMIC",
		"payment.asset_address":    "USDC_ADDRESS",
		"payment.treasury_address": "TREASURY_ADDRESS",
		"payment.network":          "PAYMENT_NETWORK",
		"imagegen.api_url":         "IMAGEGEN_API_URL",
		"imagegen.api_key":         "IMAGEGEN_API_KEY",
		"indexer.api_url":          "INDEXER_API_URL",
		"indexer.api_key":          "INDEXER_API_KEY",
	}
	for key, env := range bindings {
		if err := v.BindEnv(key, env); err != nil {
			return nil, fmt.Errorf("bind env %s: %w", env, err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	return cfg, cfg.validate()
}

func (c *Config) validate() error {
	type req struct {
		val  string
		name string
	}
	required := []req{
		{c.Chain.RPCURL, "RPC_URL"},
		{c.Chain.ContractAddress, "GEOPLET_CONTRACT"},
		{c.Chain.SignerKey, "VOUCHER_SIGNING_KEY"},
		{c.Payment.AssetAddress, "USDC_ADDRESS"},
		{c.Payment.TreasuryAddress, "TREASURY_ADDRESS"},
	}
	if c.Payment.Mode == "facilitator" {
		required = append(required, req{c.Payment.FacilitatorURL, "FACILITATOR_URL"})
	}
	for _, r := range required {
		if r.val == "" {
			return fmt.Errorf("required config missing: %s", r.name)
		}
	}
	if c.Chain.ChainID == 0 {
		return fmt.Errorf("required config missing: CHAIN_ID")
	}
	if c.Payment.Mode != "facilitator" && c.Payment.Mode != "onchain" {
		return fmt.Errorf("invalid PAYMENT_MODE %q (want facilitator or onchain)", c.Payment.Mode)
	}
	return nil
}
