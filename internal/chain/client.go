package chain

import (
	"context"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"

	"github.com/geoplet/geoplet-mint/internal/config"
	"github.com/geoplet/geoplet-mint/internal/voucher"
)

// geopletABI covers the slice of the Geoplet contract the backend touches:
// eligibility reads, metadata fallback, and the mint entry point (simulated
// here via eth_call, submitted on-chain by the client's wallet).
const geopletABI = `[
	{"type":"function","name":"fidMinted","stateMutability":"view","inputs":[{"name":"fid","type":"uint256"}],"outputs":[{"name":"","type":"bool"}]},
	{"type":"function","name":"mintingPaused","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"bool"}]},
	{"type":"function","name":"owner","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"address"}]},
	{"type":"function","name":"tokenImage","stateMutability":"view","inputs":[{"name":"fid","type":"uint256"}],"outputs":[{"name":"","type":"string"}]},
	{"type":"function","name":"maxVoucherValidity","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"uint256"}]},
	{"type":"function","name":"mintWithVoucher","stateMutability":"nonpayable","inputs":[
		{"name":"v","type":"tuple","components":[
			{"name":"to","type":"address"},
			{"name":"fid","type":"uint256"},
			{"name":"nonce","type":"uint256"},
			{"name":"deadline","type":"uint256"}]},
		{"name":"imageData","type":"bytes"},
		{"name":"signature","type":"bytes"}],
	 "outputs":[{"name":"tokenId","type":"uint256"}]}
]`

// Client wraps go-ethereum and the Geoplet contract binding.
type Client struct {
	eth          *ethclient.Client
	contract     *bind.BoundContract
	contractAddr common.Address
	chainID      *big.Int
}

func NewClient(cfg *config.Config) (*Client, error) {
	eth, err := ethclient.Dial(cfg.Chain.RPCURL)
	if err != nil {
		return nil, fmt.Errorf("dial rpc: %w", err)
	}

	parsed, err := abi.JSON(strings.NewReader(geopletABI))
	if err != nil {
		return nil, fmt.Errorf("parse geoplet abi: %w", err)
	}

	addr := common.HexToAddress(cfg.Chain.ContractAddress)
	return &Client{
		eth:          eth,
		contract:     bind.NewBoundContract(addr, parsed, eth, eth, eth),
		contractAddr: addr,
		chainID:      big.NewInt(cfg.Chain.ChainID),
	}, nil
}

// ChainID returns the configured chain ID.
func (c *Client) ChainID() *big.Int { return c.chainID }

// ContractAddress returns the Geoplet contract address.
func (c *Client) ContractAddress() common.Address { return c.contractAddr }

// Eth exposes the underlying RPC client (receipt inspection reuses it).
func (c *Client) Eth() *ethclient.Client { return c.eth }

// IsFidMinted reports whether a Geoplet already exists for fid.
func (c *Client) IsFidMinted(ctx context.Context, fid *big.Int) (bool, error) {
	var out []any
	if err := c.contract.Call(&bind.CallOpts{Context: ctx}, &out, "fidMinted", fid); err != nil {
		return false, fmt.Errorf("fidMinted: %w", err)
	}
	return out[0].(bool), nil
}

// MintingPaused reports the contract's global pause flag.
func (c *Client) MintingPaused(ctx context.Context) (bool, error) {
	var out []any
	if err := c.contract.Call(&bind.CallOpts{Context: ctx}, &out, "mintingPaused"); err != nil {
		return false, fmt.Errorf("mintingPaused: %w", err)
	}
	return out[0].(bool), nil
}

// Owner returns the contract owner.
func (c *Client) Owner(ctx context.Context) (common.Address, error) {
	var out []any
	if err := c.contract.Call(&bind.CallOpts{Context: ctx}, &out, "owner"); err != nil {
		return common.Address{}, fmt.Errorf("owner: %w", err)
	}
	return out[0].(common.Address), nil
}

// TokenImage reads the stored image (URL or data URI) for a minted fid.
// Used as the fallback when the indexer has no entry yet.
func (c *Client) TokenImage(ctx context.Context, fid *big.Int) (string, error) {
	var out []any
	if err := c.contract.Call(&bind.CallOpts{Context: ctx}, &out, "tokenImage", fid); err != nil {
		return "", fmt.Errorf("tokenImage: %w", err)
	}
	return out[0].(string), nil
}

// MaxVoucherValidity reads the contract's deadline cap in seconds.
func (c *Client) MaxVoucherValidity(ctx context.Context) (*big.Int, error) {
	var out []any
	if err := c.contract.Call(&bind.CallOpts{Context: ctx}, &out, "maxVoucherValidity"); err != nil {
		return nil, fmt.Errorf("maxVoucherValidity: %w", err)
	}
	return out[0].(*big.Int), nil
}

// SimulateMint dry-runs mintWithVoucher from the recipient's address against
// current chain state. A nil return means the real transaction would be
// accepted right now; a revert comes back as a *RevertError with the
// contract's named reason mapped to user guidance.
func (c *Client) SimulateMint(ctx context.Context, v *voucher.MintVoucher, imageData, sig []byte) error {
	var out []any
	opts := &bind.CallOpts{Context: ctx, From: v.To}
	if err := c.contract.Call(opts, &out, "mintWithVoucher", *v, imageData, sig); err != nil {
		return MapRevert(err)
	}
	return nil
}
