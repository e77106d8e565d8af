package crypto

import (
	"strings"

	"github.com/ethereum/go-ethereum/common"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"

	"github.com/alanyoungcy/dexledger/internal/domain"
)

const personalPrefix = "\x19Ethereum Signed Message:\n32"

// PersonalMessageHash wraps a 32-byte order hash in the Ethereum signed
// message envelope before hashing it with keccak256.
func PersonalMessageHash(hash common.Hash) common.Hash {
	return ethcrypto.Keccak256Hash([]byte(personalPrefix), hash.Bytes())
}

// RecoverSigner recovers the address that produced (v, r, s) over the
// personal-message digest of hash. Any failure yields the zero address,
// which never equals a real maker.
func RecoverSigner(hash common.Hash, sig domain.Signature) common.Address {
	if sig.V != 27 && sig.V != 28 {
		return domain.ZeroAddress
	}
	raw := make([]byte, 65)
	copy(raw[:32], sig.R.Bytes())
	copy(raw[32:64], sig.S.Bytes())
	raw[64] = byte(sig.V - 27)

	digest := PersonalMessageHash(hash)
	pub, err := ethcrypto.SigToPub(digest.Bytes(), raw)
	if err != nil {
		return domain.ZeroAddress
	}
	return ethcrypto.PubkeyToAddress(*pub)
}

// VerifyOrderSignature reports whether maker signed hash.
func VerifyOrderSignature(hash common.Hash, maker common.Address, sig domain.Signature) bool {
	if maker == domain.ZeroAddress {
		return false
	}
	return SameAddress(RecoverSigner(hash, sig).Hex(), maker.Hex())
}

// SameAddress compares hex addresses case-insensitively.
func SameAddress(a, b string) bool {
	return strings.EqualFold(strings.TrimPrefix(a, "0x"), strings.TrimPrefix(b, "0x"))
}
