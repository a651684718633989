package btcpay

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSatsToBTCString(t *testing.T) {
	cases := []struct {
		sats    int64
		maxSats int64
		want    string
	}{
		{0, DefaultSatsConversionMax, "0.00000000"},
		{1, DefaultSatsConversionMax, "0.00000001"},
		{100_000_000, DefaultSatsConversionMax, "1.00000000"},
		{150_000_000, 2 * DefaultSatsConversionMax, "1.50000000"},
	}
	for _, tc := range cases {
		got, err := SatsToBTCString(tc.sats, tc.maxSats)
		require.NoError(t, err)
		assert.Equal(t, tc.want, got)
	}
}

func TestSatsToBTCStringRejectsNegative(t *testing.T) {
	_, err := SatsToBTCString(-1, DefaultSatsConversionMax)
	assert.Error(t, err)
}

func TestSatsToBTCStringRejectsAboveCeiling(t *testing.T) {
	_, err := SatsToBTCString(DefaultSatsConversionMax+1, DefaultSatsConversionMax)
	assert.Error(t, err)
}
