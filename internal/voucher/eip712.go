package voucher

import (
	"crypto/ecdsa"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

var voucherTypeHash = crypto.Keccak256Hash([]byte(
	"MintVoucher(address to,uint256 fid,uint256 nonce,uint256 deadline)",
))

// domainSeparator computes the EIP-712 domain separator.
func domainSeparator(chainID *big.Int, contractAddr common.Address) [32]byte {
	domainTypeHash := crypto.Keccak256Hash([]byte(
		"EIP712Domain(string name,string version,uint256 chainId,address verifyingContract)",
	))
	nameHash := crypto.Keccak256Hash([]byte(DomainName))
	versionHash := crypto.Keccak256Hash([]byte(DomainVersion))

	// ABI-encode: (bytes32, bytes32, bytes32, uint256, address)
	// Each element occupies a 32-byte slot (uint/addr left-padded).
	encoded := make([]byte, 5*32)
	copy(encoded[0:32], domainTypeHash[:])
	copy(encoded[32:64], nameHash[:])
	copy(encoded[64:96], versionHash[:])
	chainID.FillBytes(encoded[96:128])
	copy(encoded[140:160], contractAddr.Bytes()) // addr is right-aligned in its slot

	return crypto.Keccak256Hash(encoded)
}

// Sign signs the voucher with the backend key using EIP-712 and returns the
// 65-byte (R || S || V) signature with V in Solidity's 27/28 form.
func Sign(v *MintVoucher, privKey *ecdsa.PrivateKey, chainID *big.Int, contractAddr common.Address) ([]byte, error) {
	digest := hashVoucher(v, chainID, contractAddr)
	sig, err := crypto.Sign(digest[:], privKey)
	if err != nil {
		return nil, err
	}
	// Convert V from 0/1 to 27/28 for Solidity ecrecover
	sig[64] += 27
	return sig, nil
}

// Recover extracts the signer address from a signed voucher.
// Used for the issuer's mandatory self-verification step.
func Recover(v *MintVoucher, sig []byte, chainID *big.Int, contractAddr common.Address) (common.Address, error) {
	digest := hashVoucher(v, chainID, contractAddr)
	sigCopy := make([]byte, 65)
	copy(sigCopy, sig)
	if sigCopy[64] >= 27 {
		sigCopy[64] -= 27
	}
	pub, err := crypto.SigToPub(digest[:], sigCopy)
	if err != nil {
		return common.Address{}, err
	}
	return crypto.PubkeyToAddress(*pub), nil
}

func hashVoucher(v *MintVoucher, chainID *big.Int, contractAddr common.Address) [32]byte {
	// structHash = keccak256(typeHash || abi.encode(to, fid, nonce, deadline))
	encoded := make([]byte, 5*32)
	copy(encoded[0:32], voucherTypeHash[:])
	copy(encoded[44:64], v.To.Bytes()) // padded address
	v.Fid.FillBytes(encoded[64:96])
	v.Nonce.FillBytes(encoded[96:128])
	v.Deadline.FillBytes(encoded[128:160])

	structHash := crypto.Keccak256Hash(encoded)
	sep := domainSeparator(chainID, contractAddr)

	// Final digest: keccak256(0x1901 || domainSeparator || structHash)
	msg := make([]byte, 2+32+32)
	msg[0] = 0x19
	msg[1] = 0x01
	copy(msg[2:34], sep[:])
	copy(msg[34:66], structHash[:])
	return crypto.Keccak256Hash(msg)
}
