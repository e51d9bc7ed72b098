package settler

import (
	"fmt"
	"math/big"

	"github.com/shopspring/decimal"
)

// ToBaseUnits converts a human-unit decimal string into the asset's smallest
// unit. Fractional remainders below the smallest unit are dropped, never
// rounded up: requesting more than the wallet holds would make an exact
// transfer fail.
func ToBaseUnits(amount string, decimals int) (*big.Int, error) {
	d, err := decimal.NewFromString(amount)
	if err != nil {
		return nil, NewSettlementError(ErrCodeInvalidAmount, fmt.Sprintf("invalid amount %q", amount), nil)
	}
	if d.IsNegative() {
		return nil, NewSettlementError(ErrCodeInvalidAmount, fmt.Sprintf("negative amount %q", amount), nil)
	}
	return d.Shift(int32(decimals)).Truncate(0).BigInt(), nil
}

// FromBaseUnits renders a base-unit amount as a human-unit decimal string.
// Used for display and for quote requests, never for transfer amounts.
func FromBaseUnits(amount *big.Int, decimals int) string {
	if amount == nil {
		return "0"
	}
	return decimal.NewFromBigInt(amount, -int32(decimals)).String()
}
