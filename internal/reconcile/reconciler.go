package reconcile

import (
	"fmt"
	"math/big"

	"github.com/shopspring/decimal"

	"milestone-service/internal/currency"
	"milestone-service/internal/model"
)

// ValidationError is a locally-failed precondition. It never reaches the
// network and the reconciler state is unchanged when one is returned.
type ValidationError struct {
	Msg string
}

func (e *ValidationError) Error() string { return e.Msg }

func validationf(format string, args ...any) error {
	return &ValidationError{Msg: fmt.Sprintf(format, args...)}
}

// weiScale is the number of decimal places of the on-chain unit of account.
const weiScale = 18

// Reconciler keeps a (fiatAmount, cryptoAmount) pair mutually consistent
// under a currency code and a rate table, where a rate is the value of 1 ETH
// in the given fiat currency. While itemize mode is active the crypto amount
// is always the sum of the items' amounts and the direct setters are inert.
type Reconciler struct {
	fiat     decimal.Decimal
	crypto   decimal.Decimal
	code     model.Fiat
	rates    *currency.RateEntry
	itemized bool
	draft    *model.Draft
}

// New creates a reconciler for draft with the given selected currency. The
// rate table starts empty; amounts cannot move until SetRates is called.
func New(draft *model.Draft, code model.Fiat) *Reconciler {
	return &Reconciler{
		fiat:     draft.FiatAmount,
		crypto:   draft.MaxAmount,
		code:     code,
		itemized: draft.ItemizeMode,
		draft:    draft,
	}
}

// SetRates installs the active rate table.
func (r *Reconciler) SetRates(entry *currency.RateEntry) {
	r.rates = entry
}

// FiatAmount returns the current fiat amount.
func (r *Reconciler) FiatAmount() decimal.Decimal { return r.fiat }

// CryptoAmount returns the canonical crypto amount: the itemized sum while
// itemize mode is active, the directly reconciled amount otherwise.
func (r *Reconciler) CryptoAmount() decimal.Decimal {
	if r.itemized {
		return r.draft.ItemizedTotal()
	}
	return r.crypto
}

// Currency returns the selected currency code.
func (r *Reconciler) Currency() model.Fiat { return r.code }

func (r *Reconciler) rate(code model.Fiat) (decimal.Decimal, error) {
	if !code.IsSupported() {
		return decimal.Zero, validationf("unsupported currency %q", code)
	}
	rate := r.rates.Rate(code)
	if !rate.IsPositive() {
		return decimal.Zero, validationf("no positive rate for %s", code)
	}
	return rate, nil
}

// SetFromFiat sets the fiat amount and derives the crypto amount. No-op in
// itemize mode or when the rate or amount precondition fails.
func (r *Reconciler) SetFromFiat(fiat decimal.Decimal) error {
	if r.itemized {
		return nil
	}
	rate, err := r.rate(r.code)
	if err != nil {
		return err
	}
	if fiat.IsNegative() {
		return validationf("fiat amount must not be negative")
	}
	r.fiat = fiat
	r.crypto = fiat.Div(rate)
	return nil
}

// SetFromCrypto sets the crypto amount and derives the fiat amount. No-op in
// itemize mode or when the rate or amount precondition fails.
func (r *Reconciler) SetFromCrypto(crypto decimal.Decimal) error {
	if r.itemized {
		return nil
	}
	rate, err := r.rate(r.code)
	if err != nil {
		return err
	}
	if crypto.IsNegative() {
		return validationf("crypto amount must not be negative")
	}
	r.crypto = crypto
	r.fiat = crypto.Mul(rate)
	return nil
}

// ChangeCurrency switches the selected currency and recomputes the crypto
// amount from the unchanged fiat amount under the new rate.
func (r *Reconciler) ChangeCurrency(code model.Fiat) error {
	rate, err := r.rate(code)
	if err != nil {
		return err
	}
	r.code = code
	if !r.itemized {
		r.crypto = r.fiat.Div(rate)
	}
	return nil
}

// Apply writes the reconciled amounts back to the draft.
func (r *Reconciler) Apply() {
	r.draft.FiatAmount = r.fiat
	r.draft.MaxAmount = r.CryptoAmount()
	r.draft.SelectedFiat = r.code
}

// ToWei converts an ETH amount to the integral on-chain unit, truncating any
// fraction below 1 wei so the transaction never requests more than the user
// specified.
func ToWei(eth decimal.Decimal) *big.Int {
	return eth.Shift(weiScale).Truncate(0).BigInt()
}

// FromWei converts a wei string back to an ETH amount. Malformed input maps
// to zero.
func FromWei(wei string) decimal.Decimal {
	d, err := decimal.NewFromString(wei)
	if err != nil {
		return decimal.Zero
	}
	return d.Shift(-weiScale)
}
