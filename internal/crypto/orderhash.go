// Package crypto computes order identities and checks maker signatures for
// the exchange contract's off-chain order format.
package crypto

import (
	"crypto/sha256"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/math"

	"github.com/alanyoungcy/dexledger/internal/domain"
)

// OrderHash returns sha256 over the tightly packed encoding
//
//	address contract, address tokenGet, uint256 amountGet,
//	address tokenGive, uint256 amountGive, uint256 expires, uint256 nonce
//
// which is the identity the exchange contract assigns to an order.
func OrderHash(contract common.Address, f domain.OrderFields) (common.Hash, error) {
	words := []struct {
		name string
		v    *big.Int
	}{
		{"amountGet", f.AmountGet},
		{"amountGive", f.AmountGive},
		{"expires", f.Expires},
		{"nonce", f.Nonce},
	}
	for _, w := range words {
		if err := checkUint256(w.v); err != nil {
			return common.Hash{}, fmt.Errorf("%w: %s %v", domain.ErrInvalidOrderFields, w.name, err)
		}
	}

	buf := make([]byte, 0, 3*common.AddressLength+4*32)
	buf = append(buf, contract.Bytes()...)
	buf = append(buf, f.TokenGet.Bytes()...)
	buf = append(buf, math.PaddedBigBytes(f.AmountGet, 32)...)
	buf = append(buf, f.TokenGive.Bytes()...)
	buf = append(buf, math.PaddedBigBytes(f.AmountGive, 32)...)
	buf = append(buf, math.PaddedBigBytes(f.Expires, 32)...)
	buf = append(buf, math.PaddedBigBytes(f.Nonce, 32)...)

	return common.Hash(sha256.Sum256(buf)), nil
}

var maxUint256 = new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 256), big.NewInt(1))

func checkUint256(v *big.Int) error {
	switch {
	case v == nil:
		return fmt.Errorf("missing")
	case v.Sign() < 0:
		return fmt.Errorf("negative")
	case v.Cmp(maxUint256) > 0:
		return fmt.Errorf("exceeds 256 bits")
	}
	return nil
}
