package payment

import (
	"encoding/hex"
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// EIP-3009 typed-data constants for transferWithAuthorization. The verifying
// contract is the token itself (USDC on Base uses name "USD Coin", version "2").
var transferAuthTypeHash = crypto.Keccak256Hash([]byte(
	"TransferWithAuthorization(address from,address to,uint256 value,uint256 validAfter,uint256 validBefore,bytes32 nonce)",
))

func tokenDomainSeparator(name, version string, chainID *big.Int, token common.Address) [32]byte {
	domainTypeHash := crypto.Keccak256Hash([]byte(
		"EIP712Domain(string name,string version,uint256 chainId,address verifyingContract)",
	))
	encoded := make([]byte, 5*32)
	copy(encoded[0:32], domainTypeHash[:])
	nameHash := crypto.Keccak256Hash([]byte(name))
	versionHash := crypto.Keccak256Hash([]byte(version))
	copy(encoded[32:64], nameHash[:])
	copy(encoded[64:96], versionHash[:])
	chainID.FillBytes(encoded[96:128])
	copy(encoded[140:160], token.Bytes())
	return crypto.Keccak256Hash(encoded)
}

// recoverAuthorizer recovers the wallet that signed the EIP-3009 authorization.
// Running this locally lets the verifier reject forged payloads before
// spending a facilitator round trip.
func recoverAuthorizer(a Authorization, sigHex, domainName, domainVersion string, chainID *big.Int, token common.Address) (common.Address, error) {
	value, ok := new(big.Int).SetString(a.Value, 10)
	if !ok {
		return common.Address{}, fmt.Errorf("invalid authorization value %q", a.Value)
	}
	validAfter, ok := new(big.Int).SetString(a.ValidAfter, 10)
	if !ok {
		validAfter = big.NewInt(0)
	}
	validBefore, ok := new(big.Int).SetString(a.ValidBefore, 10)
	if !ok {
		return common.Address{}, fmt.Errorf("invalid validBefore %q", a.ValidBefore)
	}
	nonce, err := parseBytes32(a.Nonce)
	if err != nil {
		return common.Address{}, fmt.Errorf("invalid authorization nonce: %w", err)
	}

	encoded := make([]byte, 7*32)
	copy(encoded[0:32], transferAuthTypeHash[:])
	copy(encoded[44:64], common.HexToAddress(a.From).Bytes())
	copy(encoded[76:96], common.HexToAddress(a.To).Bytes())
	value.FillBytes(encoded[96:128])
	validAfter.FillBytes(encoded[128:160])
	validBefore.FillBytes(encoded[160:192])
	copy(encoded[192:224], nonce[:])

	structHash := crypto.Keccak256Hash(encoded)
	sep := tokenDomainSeparator(domainName, domainVersion, chainID, token)

	msg := make([]byte, 2+32+32)
	msg[0] = 0x19
	msg[1] = 0x01
	copy(msg[2:34], sep[:])
	copy(msg[34:66], structHash[:])
	digest := crypto.Keccak256Hash(msg)

	sig, err := hex.DecodeString(strings.TrimPrefix(sigHex, "0x"))
	if err != nil {
		return common.Address{}, fmt.Errorf("invalid signature hex: %w", err)
	}
	if len(sig) != 65 {
		return common.Address{}, errors.New("invalid signature length")
	}
	sigCopy := make([]byte, 65)
	copy(sigCopy, sig)
	if sigCopy[64] >= 27 {
		sigCopy[64] -= 27
	}
	pub, err := crypto.SigToPub(digest[:], sigCopy)
	if err != nil {
		return common.Address{}, fmt.Errorf("ecrecover: %w", err)
	}
	return crypto.PubkeyToAddress(*pub), nil
}

func parseBytes32(s string) ([32]byte, error) {
	var out [32]byte
	b, err := hex.DecodeString(strings.TrimPrefix(s, "0x"))
	if err != nil {
		return out, err
	}
	if len(b) != 32 {
		return out, fmt.Errorf("want 32 bytes, got %d", len(b))
	}
	copy(out[:], b)
	return out, nil
}
