package settlement

import "math"

// BaseUnitsPerToken is the smallest-denomination multiplier for on-network
// amounts. Ledger balances and transfer values travel as integer base units.
const BaseUnitsPerToken = int64(1_000_000_000)

// ToBaseUnits converts a token amount to integer base units, rounding to the
// nearest unit so float noise below one base unit never changes a transfer.
func ToBaseUnits(tokens float64) int64 {
	return int64(math.Round(tokens * float64(BaseUnitsPerToken)))
}

// FromBaseUnits converts integer base units back to a token amount.
func FromBaseUnits(units int64) float64 {
	return float64(units) / float64(BaseUnitsPerToken)
}
