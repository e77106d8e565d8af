// Package validate coerces order messages into typed candidates and runs the
// ordered admission checks that decide whether an off-chain order enters the
// ledger.
package validate

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"math/big"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/shopspring/decimal"
	"gopkg.in/validator.v2"

	"github.com/alanyoungcy/dexledger/internal/domain"
)

// Message is an order message as decoded from JSON.
type Message map[string]any

// messageFields holds the textual form of every field so the declarative
// rules can run before numeric coercion.
type messageFields struct {
	ContractAddr string `validate:"address"`
	TokenGet     string `validate:"nonzero,address"`
	AmountGet    string `validate:"nonzero"`
	TokenGive    string `validate:"nonzero,address"`
	AmountGive   string `validate:"nonzero"`
	Expires      string `validate:"nonzero"`
	Nonce        string `validate:"nonzero"`
	User         string `validate:"nonzero,address"`
	V            string `validate:"nonzero"`
	R            string `validate:"nonzero,bytes32"`
	S            string `validate:"nonzero,bytes32"`
}

var (
	addressPattern = regexp.MustCompile(`^0x[0-9a-fA-F]{40}$`)
	bytes32Pattern = regexp.MustCompile(`^0x[0-9a-fA-F]{64}$`)

	errNotAddress = errors.New("must be a 0x-prefixed hex Ethereum address")
	errNotBytes32 = errors.New("must be 32 bytes of 0x-prefixed hex")
)

// rules runs the struct tags above. Empty values pass the pattern checks so
// optional fields stay optional; nonzero enforces presence.
var rules = func() *validator.Validator {
	v := validator.NewValidator()
	_ = v.SetValidationFunc("address", patternFunc(addressPattern, errNotAddress))
	_ = v.SetValidationFunc("bytes32", patternFunc(bytes32Pattern, errNotBytes32))
	return v
}()

func patternFunc(re *regexp.Regexp, fail error) validator.ValidationFunc {
	return func(v any, _ string) error {
		s, ok := v.(string)
		if !ok {
			return validator.ErrUnsupported
		}
		if s != "" && !re.MatchString(s) {
			return fail
		}
		return nil
	}
}

var wireNames = map[string]string{
	"ContractAddr": "contractAddr",
	"TokenGet":     "tokenGet",
	"AmountGet":    "amountGet",
	"TokenGive":    "tokenGive",
	"AmountGive":   "amountGive",
	"Expires":      "expires",
	"Nonce":        "nonce",
	"User":         "user",
	"V":            "v",
	"R":            "r",
	"S":            "s",
}

// Coerce converts msg into an OrderCandidate. When requireContract is set the
// message must name the exchange contract in contractAddr. Refusals are
// *domain.AdmissionError with reason SchemaError.
func Coerce(msg Message, requireContract bool) (domain.OrderCandidate, error) {
	var (
		fields messageFields
		errs   []domain.FieldError
	)
	text := func(key string) string {
		s, err := fieldText(msg[key])
		if err != nil {
			errs = append(errs, domain.FieldError{Field: key, Message: err.Error()})
		}
		return s
	}
	fields.ContractAddr = text("contractAddr")
	fields.TokenGet = text("tokenGet")
	fields.AmountGet = text("amountGet")
	fields.TokenGive = text("tokenGive")
	fields.AmountGive = text("amountGive")
	fields.Expires = text("expires")
	fields.Nonce = text("nonce")
	fields.User = text("user")
	fields.V = text("v")
	fields.R = text("r")
	fields.S = text("s")

	if requireContract && fields.ContractAddr == "" {
		errs = append(errs, domain.FieldError{Field: "contractAddr", Message: "required"})
	}
	if err := rules.Validate(fields); err != nil {
		errs = append(errs, ruleErrors(err)...)
	}
	if len(errs) > 0 {
		return domain.OrderCandidate{}, schemaError(errs)
	}

	var c domain.OrderCandidate
	if fields.ContractAddr != "" {
		c.Contract = common.HexToAddress(fields.ContractAddr)
	}
	c.TokenGet = common.HexToAddress(fields.TokenGet)
	c.TokenGive = common.HexToAddress(fields.TokenGive)
	c.User = common.HexToAddress(fields.User)
	c.Sig.R = common.HexToHash(fields.R)
	c.Sig.S = common.HexToHash(fields.S)

	amount := func(key, s string, min int64) *big.Int {
		n, err := parseAmount(s)
		if err != nil {
			errs = append(errs, domain.FieldError{Field: key, Message: err.Error()})
			return nil
		}
		if n.Cmp(big.NewInt(min)) < 0 {
			errs = append(errs, domain.FieldError{Field: key, Message: fmt.Sprintf("min value is %d", min)})
		}
		return n
	}
	integer := func(key, s string, min int64) *big.Int {
		n, err := parseInteger(s)
		if err != nil {
			errs = append(errs, domain.FieldError{Field: key, Message: err.Error()})
			return nil
		}
		if n.Cmp(big.NewInt(min)) < 0 {
			errs = append(errs, domain.FieldError{Field: key, Message: fmt.Sprintf("min value is %d", min)})
		}
		return n
	}
	c.AmountGet = amount("amountGet", fields.AmountGet, 1)
	c.AmountGive = amount("amountGive", fields.AmountGive, 1)
	c.Expires = integer("expires", fields.Expires, 0)
	c.Nonce = integer("nonce", fields.Nonce, 0)

	if v, err := strconv.Atoi(fields.V); err != nil || !isIntegral(msg["v"]) {
		errs = append(errs, domain.FieldError{Field: "v", Message: "must be of integer type"})
	} else {
		c.Sig.V = v
	}

	if len(errs) > 0 {
		return domain.OrderCandidate{}, schemaError(errs)
	}
	return c, nil
}

func schemaError(errs []domain.FieldError) error {
	sort.SliceStable(errs, func(i, j int) bool { return errs[i].Field < errs[j].Field })
	return &domain.AdmissionError{
		Reason:  domain.ReasonSchema,
		Message: "Invalid message format",
		Fields:  errs,
	}
}

func ruleErrors(err error) []domain.FieldError {
	em, ok := err.(validator.ErrorMap)
	if !ok {
		return []domain.FieldError{{Field: "message", Message: err.Error()}}
	}
	var out []domain.FieldError
	for name, list := range em {
		field := wireNames[name]
		if field == "" {
			field = name
		}
		for _, e := range list {
			msg := e.Error()
			switch e {
			case validator.ErrZeroValue:
				msg = "required"
			}
			out = append(out, domain.FieldError{Field: field, Message: msg})
		}
	}
	return out
}

// fieldText renders a decoded JSON value as text. Objects and arrays are
// refused.
func fieldText(v any) (string, error) {
	switch t := v.(type) {
	case nil:
		return "", nil
	case string:
		return strings.TrimSpace(t), nil
	case json.Number:
		return t.String(), nil
	case float64:
		if math.IsNaN(t) || math.IsInf(t, 0) {
			return "", fmt.Errorf("must be a finite number")
		}
		return strconv.FormatFloat(t, 'f', -1, 64), nil
	case int:
		return strconv.Itoa(t), nil
	case int64:
		return strconv.FormatInt(t, 10), nil
	case uint64:
		return strconv.FormatUint(t, 10), nil
	case bool:
		return "", fmt.Errorf("must not be a boolean")
	default:
		return "", fmt.Errorf("unsupported type %T", v)
	}
}

// isIntegral reports whether v was sent as a JSON integer rather than a
// string or fraction.
func isIntegral(v any) bool {
	switch t := v.(type) {
	case json.Number:
		_, err := t.Int64()
		return err == nil
	case float64:
		return t == math.Trunc(t)
	case int, int64, uint64:
		return true
	default:
		return false
	}
}

// parseAmount accepts decimal strings including exponent notation ("1e18",
// "2.5E+3") and 0x-prefixed hex. Fractions are truncated.
func parseAmount(s string) (*big.Int, error) {
	if strings.HasPrefix(s, "0x") || strings.HasPrefix(s, "0X") {
		n, err := hexutil.DecodeBig(strings.ToLower(s))
		if err != nil {
			return nil, fmt.Errorf("invalid hex amount: %w", err)
		}
		return n, nil
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return nil, fmt.Errorf("must be a decimal number")
	}
	return d.BigInt(), nil
}

// parseInteger reads the same notations as parseAmount but refuses values
// with a fractional part.
func parseInteger(s string) (*big.Int, error) {
	if strings.HasPrefix(s, "0x") || strings.HasPrefix(s, "0X") {
		return parseAmount(s)
	}
	d, err := decimal.NewFromString(s)
	if err != nil || !d.IsInteger() {
		return nil, fmt.Errorf("must be an integer")
	}
	return d.BigInt(), nil
}
