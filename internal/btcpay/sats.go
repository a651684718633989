package btcpay

import "fmt"

// DefaultSatsConversionMax is the default ceiling for SatsToBTCString: 1
// BTC. A single payout above this is almost certainly a unit-mismatch
// bug — sats confused with BTC, producing a 10^8x overpayment.
const DefaultSatsConversionMax int64 = 100_000_000

// SatsToBTCString converts satoshis to the 8-decimal-place BTC string
// the Greenfield API expects. Returns an error on negative values or
// values exceeding maxSats.
func SatsToBTCString(sats int64, maxSats int64) (string, error) {
	if sats < 0 {
		return "", fmt.Errorf("sats must be non-negative, got %d", sats)
	}
	if sats > maxSats {
		return "", fmt.Errorf("sats (%d) exceeds ceiling (%d)", sats, maxSats)
	}
	whole := sats / 100_000_000
	frac := sats % 100_000_000
	return fmt.Sprintf("%d.%08d", whole, frac), nil
}
