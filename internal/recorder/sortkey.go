package recorder

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/dexledger/internal/domain"
)

// DefaultSortDigits is the number of significant digits kept in sort keys.
const DefaultSortDigits = 10

// SortKey orders the book so that the best price sorts first ascending.
// Buy orders (giving the base token) sort by -(amountGive/amountGet), sell
// orders by amountGet/amountGive. The quotient is rounded half-even to digits
// significant digits. It reports false when either amount is zero.
func SortKey(f domain.OrderFields, base common.Address, digits int) (decimal.Decimal, bool) {
	if f.AmountGet == nil || f.AmountGive == nil || f.AmountGet.Sign() <= 0 || f.AmountGive.Sign() <= 0 {
		return decimal.Zero, false
	}
	if f.TokenGive == base {
		return roundSignificant(f.AmountGive, f.AmountGet, digits).Neg(), true
	}
	return roundSignificant(f.AmountGet, f.AmountGive, digits), true
}

var ten = big.NewInt(10)

func pow10(n int) *big.Int {
	return new(big.Int).Exp(ten, big.NewInt(int64(n)), nil)
}

// roundSignificant returns num/den rounded half-even to digits significant
// digits. num and den must be positive.
func roundSignificant(num, den *big.Int, digits int) decimal.Decimal {
	lo := pow10(digits - 1)
	hi := pow10(digits)

	shift := digits - 1 - (len(num.String()) - len(den.String()))
	var q, r, d *big.Int
	for {
		n := new(big.Int).Set(num)
		d = new(big.Int).Set(den)
		if shift >= 0 {
			n.Mul(n, pow10(shift))
		} else {
			d.Mul(d, pow10(-shift))
		}
		q, r = new(big.Int).QuoRem(n, d, new(big.Int))
		switch {
		case q.Cmp(lo) < 0:
			shift++
			continue
		case q.Cmp(hi) >= 0:
			shift--
			continue
		}
		break
	}

	switch c := new(big.Int).Lsh(r, 1).Cmp(d); {
	case c > 0, c == 0 && q.Bit(0) == 1:
		q.Add(q, big.NewInt(1))
	}
	if q.Cmp(hi) == 0 {
		q.Quo(q, ten)
		shift--
	}
	return decimal.NewFromBigInt(q, int32(-shift))
}
