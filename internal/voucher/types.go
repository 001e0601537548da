package voucher

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

// MintVoucher is the signed mint authorization submitted to the Geoplet
// contract by the client wallet. Fid doubles as the token id (1:1 mapping),
// so one voucher can ever mint at most one token per Farcaster identity.
type MintVoucher struct {
	To       common.Address `json:"to"`
	Fid      *big.Int       `json:"fid"`
	Nonce    *big.Int       `json:"nonce"`
	Deadline *big.Int       `json:"deadline"`
}

// Validity bounds, in seconds. ValidityWindowSec is what the issuer grants;
// MaxContractValiditySec is the hard cap the contract enforces on deadlines.
// The window must never exceed the contract cap.
const (
	ValidityWindowSec      int64 = 900
	MaxContractValiditySec int64 = 3600
)

// EIP-712 domain constants bound to the deployed Geoplet contract.
const (
	DomainName    = "Geoplet"
	DomainVersion = "1"
)

// Redis key templates
const (
	PaymentKeyFmt    = "geoplet:payment:%d"    // %d = fid
	GenerationKeyFmt = "geoplet:generation:%d" // %d = fid
)
