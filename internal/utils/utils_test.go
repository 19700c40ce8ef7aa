package utils

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func Test_ValidateSource(t *testing.T) {
	tests := []struct {
		name      string
		source    string
		expectErr string
	}{
		{"Valid source", "BINANCE:BTCUSDT", ""},
		{"Lowercase exchange accepted", "binance:BTCUSDT", ""},
		{"Empty source", "", "cannot be empty"},
		{"Missing separator", "BINANCEBTCUSDT", "invalid source format"},
		{"Too many parts", "BINANCE:BTC:USDT", "invalid source format"},
		{"Empty exchange", ":BTCUSDT", "exchange cannot be empty"},
		{"Empty instrument", "BINANCE:", "instrument cannot be empty"},
		{"Unknown exchange", "MTGOX:BTCUSD", "unknown exchange"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateSource(tt.source)
			if tt.expectErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.expectErr)
		})
	}
}

func Test_ValidateSources(t *testing.T) {
	t.Run("Empty list", func(t *testing.T) {
		assert.ErrorIs(t, ValidateSources(nil, 5), ErrNoSources)
	})

	t.Run("Non-positive limit", func(t *testing.T) {
		err := ValidateSources([]string{"BINANCE:BTCUSDT"}, 0)
		assert.ErrorIs(t, err, ErrTooManySources)
	})

	t.Run("Over the limit", func(t *testing.T) {
		err := ValidateSources([]string{"BINANCE:A", "BYBIT:B", "OKX:C"}, 2)
		assert.ErrorIs(t, err, ErrTooManySources)
	})

	t.Run("Bad entry names its index", func(t *testing.T) {
		err := ValidateSources([]string{"BINANCE:BTCUSDT", "bogus"}, 5)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "index 1")
	})

	t.Run("All valid", func(t *testing.T) {
		assert.NoError(t, ValidateSources([]string{"BINANCE:BTCUSDT", "DERIBIT:BTC-PERP"}, 5))
	})
}
