package crypto

import (
	"errors"
	"math/big"
	"strings"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"

	"github.com/alanyoungcy/dexledger/internal/domain"
)

var testContract = common.HexToAddress("0x8d12a197cb00d4747a1fe03395095ce2a5cc6819")

func bi(s string) *big.Int {
	n, ok := new(big.Int).SetString(s, 10)
	if !ok {
		panic("bad int " + s)
	}
	return n
}

func TestOrderHashKnownVectors(t *testing.T) {
	cases := []struct {
		name   string
		fields domain.OrderFields
		want   string
	}{
		{
			name: "buy token with base",
			fields: domain.OrderFields{
				TokenGet:   common.Address{},
				AmountGet:  bi("1000000000000000000"),
				TokenGive:  common.HexToAddress("0x8f3470A7388c05eE4e7AF3d01D8C722b0FF52374"),
				AmountGive: bi("500000000000000000000"),
				Expires:    bi("5000000"),
				Nonce:      bi("123"),
			},
			want: "0xdcd4fbac482a6410048017469c268e7e2cd82a803b421908e00134bdc04cfabc",
		},
		{
			name: "zero expiry and nonce",
			fields: domain.OrderFields{
				TokenGet:   common.HexToAddress("0x8f3470A7388c05eE4e7AF3d01D8C722b0FF52374"),
				AmountGet:  big.NewInt(1),
				TokenGive:  common.Address{},
				AmountGive: big.NewInt(2),
				Expires:    big.NewInt(0),
				Nonce:      big.NewInt(0),
			},
			want: "0x242f68c3e47a3f725915e4dd336cb834e53381d2b2d3f776e028c51bbd4e4667",
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := OrderHash(testContract, tc.fields)
			if err != nil {
				t.Fatalf("OrderHash: %v", err)
			}
			if got.Hex() != tc.want {
				t.Fatalf("hash = %s, want %s", got.Hex(), tc.want)
			}
		})
	}
}

func TestOrderHashDependsOnEveryInput(t *testing.T) {
	base := domain.OrderFields{
		TokenGet: common.Address{}, AmountGet: big.NewInt(10),
		TokenGive: common.HexToAddress("0x01"), AmountGive: big.NewInt(20),
		Expires: big.NewInt(30), Nonce: big.NewInt(40),
	}
	h0, _ := OrderHash(testContract, base)

	other := base
	other.Nonce = big.NewInt(41)
	h1, _ := OrderHash(testContract, other)
	h2, _ := OrderHash(common.HexToAddress("0x02"), base)
	if h0 == h1 || h0 == h2 {
		t.Fatal("hash did not change with its inputs")
	}
}

func TestOrderHashRejectsMalformedFields(t *testing.T) {
	tooBig := new(big.Int).Lsh(big.NewInt(1), 256)
	cases := []struct {
		name   string
		mutate func(*domain.OrderFields)
	}{
		{"nil amount", func(f *domain.OrderFields) { f.AmountGet = nil }},
		{"negative nonce", func(f *domain.OrderFields) { f.Nonce = big.NewInt(-1) }},
		{"overflow expires", func(f *domain.OrderFields) { f.Expires = tooBig }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			f := domain.OrderFields{
				AmountGet: big.NewInt(1), AmountGive: big.NewInt(1),
				Expires: big.NewInt(1), Nonce: big.NewInt(1),
			}
			tc.mutate(&f)
			if _, err := OrderHash(testContract, f); !errors.Is(err, domain.ErrInvalidOrderFields) {
				t.Fatalf("err = %v, want ErrInvalidOrderFields", err)
			}
		})
	}
}

func TestSignAndRecover(t *testing.T) {
	key, err := ethcrypto.GenerateKey()
	if err != nil {
		t.Fatal(err)
	}
	signer := NewSignerFromKey(key)
	hash := common.HexToHash("0xdcd4fbac482a6410048017469c268e7e2cd82a803b421908e00134bdc04cfabc")

	sig, err := signer.SignOrderHash(hash)
	if err != nil {
		t.Fatal(err)
	}
	if sig.V != 27 && sig.V != 28 {
		t.Fatalf("v = %d", sig.V)
	}
	if got := RecoverSigner(hash, sig); got != signer.Address() {
		t.Fatalf("recovered %s, want %s", got.Hex(), signer.Address().Hex())
	}

	// Case-insensitive comparison of the claimed maker.
	lower := common.HexToAddress(strings.ToLower(signer.Address().Hex()))
	if !VerifyOrderSignature(hash, lower, sig) {
		t.Fatal("valid signature rejected")
	}

	other, _ := ethcrypto.GenerateKey()
	if VerifyOrderSignature(hash, ethcrypto.PubkeyToAddress(other.PublicKey), sig) {
		t.Fatal("signature accepted for the wrong maker")
	}
}

func TestVerifyRejectsEverySingleBitFlip(t *testing.T) {
	key, err := ethcrypto.HexToECDSA("4c0883a69102937d6231471b5dbb6204fe5129617082792ae468d01a3f362318")
	if err != nil {
		t.Fatal(err)
	}
	signer := NewSignerFromKey(key)
	hash, sig, err := signer.SignOrder(testContract, domain.OrderFields{
		TokenGet:   common.HexToAddress("0x8f3470a7388c05ee4e7af3d01d8c722b0ff52374"),
		AmountGet:  bi("1000"),
		TokenGive:  domain.ZeroAddress,
		AmountGive: bi("50000"),
		Expires:    bi("200"),
		Nonce:      bi("7"),
	})
	if err != nil {
		t.Fatal(err)
	}
	maker := signer.Address()
	if !VerifyOrderSignature(hash, maker, sig) {
		t.Fatal("untouched signature rejected")
	}

	flip := func(h common.Hash, bit int) common.Hash {
		h[bit/8] ^= 1 << uint(bit%8)
		return h
	}
	for bit := 0; bit < 256; bit++ {
		r := sig
		r.R = flip(sig.R, bit)
		if VerifyOrderSignature(hash, maker, r) {
			t.Fatalf("r with bit %d flipped still verifies", bit)
		}
		s := sig
		s.S = flip(sig.S, bit)
		if VerifyOrderSignature(hash, maker, s) {
			t.Fatalf("s with bit %d flipped still verifies", bit)
		}
	}
}

func TestRecoverSignerFailuresYieldZeroAddress(t *testing.T) {
	hash := common.HexToHash("0x01")
	cases := []struct {
		name string
		sig  domain.Signature
	}{
		{"v out of range", domain.Signature{V: 29, R: common.HexToHash("0x01"), S: common.HexToHash("0x01")}},
		{"v zero", domain.Signature{V: 0, R: common.HexToHash("0x01"), S: common.HexToHash("0x01")}},
		{"zero r and s", domain.Signature{V: 27}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := RecoverSigner(hash, tc.sig); got != domain.ZeroAddress {
				t.Fatalf("recovered %s, want zero address", got.Hex())
			}
			if VerifyOrderSignature(hash, domain.ZeroAddress, tc.sig) {
				t.Fatal("zero address must never verify")
			}
		})
	}
}

func TestPersonalMessageHashPrefix(t *testing.T) {
	hash := common.HexToHash("0xaa")
	want := ethcrypto.Keccak256Hash(append([]byte("\x19Ethereum Signed Message:\n32"), hash.Bytes()...))
	if got := PersonalMessageHash(hash); got != want {
		t.Fatalf("digest = %s, want %s", got.Hex(), want.Hex())
	}
}
