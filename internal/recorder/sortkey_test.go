package recorder

import (
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/dexledger/internal/domain"
)

func TestSortKey(t *testing.T) {
	base := common.Address{}
	tests := []struct {
		name      string
		tokenGive common.Address
		get, give string
		want      string
	}{
		{"buy gives base", base, "1000", "50000", "-50"},
		{"sell gets base", token, "1000", "50000", "0.02"},
		{"buy gives 100 base for 5000", base, "5000", "100", "-0.02"},
		{"sell gives 5000 for 100 base", token, "100", "5000", "0.02"},
		{"repeating", token, "1", "3", "0.3333333333"},
		{"tie rounds to even", token, "10000000005", "10", "1000000000"},
		{"tie rounds up to even", token, "10000000015", "10", "1000000002"},
		{"rounds up past a power of ten", token, "99999999999", "1", "100000000000"},
		{"large amounts", token, "1000000000000000000", "3000000000000000000", "0.3333333333"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			get, _ := new(big.Int).SetString(tt.get, 10)
			give, _ := new(big.Int).SetString(tt.give, 10)
			f := domain.OrderFields{
				TokenGet: token, AmountGet: get,
				TokenGive: tt.tokenGive, AmountGive: give,
			}
			if tt.tokenGive == token {
				f.TokenGet = base
			}
			got, ok := SortKey(f, base, DefaultSortDigits)
			if !ok {
				t.Fatal("no sort key")
			}
			if !got.Equal(decimal.RequireFromString(tt.want)) {
				t.Fatalf("SortKey = %s, want %s", got, tt.want)
			}
		})
	}
}

func TestSortKeyZeroAmount(t *testing.T) {
	f := domain.OrderFields{AmountGet: big.NewInt(0), AmountGive: big.NewInt(1)}
	if _, ok := SortKey(f, common.Address{}, DefaultSortDigits); ok {
		t.Fatal("zero amount should have no sort key")
	}
}
