package voucher

import (
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// ErrSignerMismatch means the self-verification of a freshly issued voucher
// recovered an address other than the configured signer. This is a key/domain
// misconfiguration, not a transient fault: callers must not retry, and the
// process should alert operators.
var ErrSignerMismatch = errors.New("voucher: recovered signer does not match configured signer")

// Issuer holds the mint-authorization signing key. Constructed once at startup
// and injected into the orchestrator; issuing is stateless, so repeated calls
// are safe and each call mints a fresh nonce/deadline pair.
type Issuer struct {
	privKey      *ecdsa.PrivateKey
	signerAddr   common.Address
	chainID      *big.Int
	contractAddr common.Address

	// now is swapped in tests for deterministic deadlines.
	now func() time.Time
}

func NewIssuer(privKeyHex string, chainID *big.Int, contractAddr common.Address) (*Issuer, error) {
	privKey, err := crypto.HexToECDSA(privKeyHex)
	if err != nil {
		return nil, fmt.Errorf("parse voucher signing key: %w", err)
	}
	return &Issuer{
		privKey:      privKey,
		signerAddr:   crypto.PubkeyToAddress(privKey.PublicKey),
		chainID:      chainID,
		contractAddr: contractAddr,
		now:          time.Now,
	}, nil
}

// SignerAddress returns the address the contract must be configured to trust.
func (i *Issuer) SignerAddress() common.Address { return i.signerAddr }

// Issue builds and signs a voucher for (recipient, fid).
// nonce = now, deadline = now + ValidityWindowSec; the nonce timestamp keeps
// every voucher's typed-data hash unique so the contract's used-signature
// check provides replay protection.
//
// Every signature is verified locally before it leaves this method; a
// mismatch returns ErrSignerMismatch.
func (i *Issuer) Issue(recipient common.Address, fid *big.Int) (*MintVoucher, []byte, error) {
	if fid == nil || fid.Sign() < 0 {
		return nil, nil, errors.New("voucher: fid must be a non-negative integer")
	}

	now := i.now().Unix()
	v := &MintVoucher{
		To:       recipient,
		Fid:      new(big.Int).Set(fid),
		Nonce:    big.NewInt(now),
		Deadline: big.NewInt(now + ValidityWindowSec),
	}

	sig, err := Sign(v, i.privKey, i.chainID, i.contractAddr)
	if err != nil {
		return nil, nil, fmt.Errorf("sign voucher: %w", err)
	}

	recovered, err := Recover(v, sig, i.chainID, i.contractAddr)
	if err != nil {
		return nil, nil, fmt.Errorf("self-verify voucher: %w", err)
	}
	if recovered != i.signerAddr {
		return nil, nil, ErrSignerMismatch
	}
	return v, sig, nil
}
