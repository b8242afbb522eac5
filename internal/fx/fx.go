// Package fx converts ledger amounts between currencies with fixed-point rates.
package fx

import (
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/MarkoPoloResearchLab/ridepay/pkg/ledger"
	"github.com/shopspring/decimal"
)

// ScaleDigits is the number of decimal places kept from every rate.
const ScaleDigits = 8

const (
	pairSeparator  = ","
	rateSeparator  = "="
	legSeparator   = ":"
	DefaultRateSet = "INR:USD=0.012,INR:GBP=0.009,GBP:USD=1.27"
)

var (
	ErrNoRate        = errors.New("no conversion rate")
	ErrInvalidAmount = errors.New("invalid conversion amount")
	ErrInvalidRate   = errors.New("invalid conversion rate")
)

var scale = new(big.Int).Exp(big.NewInt(10), big.NewInt(ScaleDigits), nil)

type pair struct {
	from string
	to   string
}

// Converter holds a direction-sensitive rate table. Rates are stored multiplied by 10^8.
type Converter struct {
	rates map[pair]*big.Int
}

// NewConverter builds a Converter from decimal rate strings keyed by "FROM:TO".
func NewConverter(rates map[string]string) (*Converter, error) {
	converter := &Converter{rates: make(map[pair]*big.Int, len(rates))}
	for key, raw := range rates {
		legs := strings.Split(key, legSeparator)
		if len(legs) != 2 {
			return nil, fmt.Errorf("%w: pair %q", ErrInvalidRate, key)
		}
		if err := converter.add(legs[0], legs[1], raw); err != nil {
			return nil, err
		}
	}
	return converter, nil
}

// ParseRates reads "FROM:TO=rate" entries separated by commas.
func ParseRates(raw string) (*Converter, error) {
	rates := map[string]string{}
	for _, entry := range strings.Split(raw, pairSeparator) {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		parts := strings.SplitN(entry, rateSeparator, 2)
		if len(parts) != 2 {
			return nil, fmt.Errorf("%w: entry %q", ErrInvalidRate, entry)
		}
		rates[strings.TrimSpace(parts[0])] = strings.TrimSpace(parts[1])
	}
	return NewConverter(rates)
}

func (converter *Converter) add(fromRaw string, toRaw string, rateRaw string) error {
	from, err := ledger.NewCurrency(fromRaw)
	if err != nil {
		return err
	}
	to, err := ledger.NewCurrency(toRaw)
	if err != nil {
		return err
	}
	rate, err := decimal.NewFromString(rateRaw)
	if err != nil {
		return fmt.Errorf("%w: %s:%s=%q", ErrInvalidRate, from.String(), to.String(), rateRaw)
	}
	scaled := rate.Shift(ScaleDigits).Truncate(0).BigInt()
	if scaled.Sign() <= 0 {
		return fmt.Errorf("%w: %s:%s must be positive", ErrInvalidRate, from.String(), to.String())
	}
	converter.rates[pair{from: from.String(), to: to.String()}] = scaled
	return nil
}

// Convert returns amount expressed in the target currency, truncating toward zero.
// Conversion between equal currencies is the identity. Inverse rates are never inferred.
func (converter *Converter) Convert(amount ledger.Amount, from ledger.Currency, to ledger.Currency) (ledger.Amount, error) {
	if amount < 0 {
		return 0, fmt.Errorf("%w: %d", ErrInvalidAmount, amount)
	}
	if from.String() == to.String() {
		return amount, nil
	}
	rate, ok := converter.rates[pair{from: from.String(), to: to.String()}]
	if !ok {
		return 0, fmt.Errorf("%w: %s to %s", ErrNoRate, from.String(), to.String())
	}
	product := new(big.Int).Mul(big.NewInt(amount.Int64()), rate)
	product.Quo(product, scale)
	if !product.IsInt64() {
		return 0, fmt.Errorf("%w: result overflows", ErrInvalidAmount)
	}
	return ledger.Amount(product.Int64()), nil
}

// Rate returns the configured rate for a pair as a decimal string.
func (converter *Converter) Rate(from ledger.Currency, to ledger.Currency) (string, bool) {
	rate, ok := converter.rates[pair{from: from.String(), to: to.String()}]
	if !ok {
		return "", false
	}
	return decimal.NewFromBigInt(rate, -ScaleDigits).String(), true
}
