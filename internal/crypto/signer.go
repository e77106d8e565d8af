package crypto

import (
	"crypto/ecdsa"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"

	"github.com/alanyoungcy/dexledger/internal/domain"
)

// Signer produces maker signatures over order hashes. The ledger itself never
// signs; Signer exists for tooling and for exercising verification.
type Signer struct {
	privateKey *ecdsa.PrivateKey
	address    common.Address
}

// NewSigner creates a Signer from a hex-encoded secp256k1 private key.
func NewSigner(privateKeyHex string) (*Signer, error) {
	keyHex := strings.TrimPrefix(privateKeyHex, "0x")
	pk, err := ethcrypto.HexToECDSA(keyHex)
	if err != nil {
		return nil, fmt.Errorf("crypto/signer: invalid private key: %w", err)
	}
	return NewSignerFromKey(pk), nil
}

// NewSignerFromKey wraps an existing key.
func NewSignerFromKey(pk *ecdsa.PrivateKey) *Signer {
	return &Signer{privateKey: pk, address: ethcrypto.PubkeyToAddress(pk.PublicKey)}
}

// Address returns the Ethereum address derived from the signer's private key.
func (s *Signer) Address() common.Address {
	return s.address
}

// SignOrderHash signs the personal-message digest of hash and returns the
// signature with v in {27, 28}.
func (s *Signer) SignOrderHash(hash common.Hash) (domain.Signature, error) {
	digest := PersonalMessageHash(hash)
	sig, err := ethcrypto.Sign(digest.Bytes(), s.privateKey)
	if err != nil {
		return domain.Signature{}, fmt.Errorf("crypto/signer: signing: %w", err)
	}
	return domain.Signature{
		V: int(sig[64]) + 27,
		R: common.BytesToHash(sig[:32]),
		S: common.BytesToHash(sig[32:64]),
	}, nil
}

// SignOrder computes the order hash for contract and signs it.
func (s *Signer) SignOrder(contract common.Address, f domain.OrderFields) (common.Hash, domain.Signature, error) {
	hash, err := OrderHash(contract, f)
	if err != nil {
		return common.Hash{}, domain.Signature{}, err
	}
	sig, err := s.SignOrderHash(hash)
	if err != nil {
		return common.Hash{}, domain.Signature{}, err
	}
	return hash, sig, nil
}
