package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadAppliesDefaultsWithoutAJSONFile(t *testing.T) {
	t.Setenv("BINANCE_API_KEY", "key")
	t.Setenv("BINANCE_API_SECRET", "secret")
	t.Setenv("REDIS_URL", "")
	t.Setenv("SUBSCRIBE_SYMBOLS", "")
	t.Setenv("PORT", "")

	cfg, err := Load("/nonexistent/.env", "")
	require.NoError(t, err)

	assert.Equal(t, []string{"BTCUSDT", "ETHUSDT", "BTCFDUSD"}, cfg.SubscribeSymbols)
	assert.Equal(t, ":8123", cfg.HTTPAddr)
}

func TestLoadMissingCredentialsErrors(t *testing.T) {
	t.Setenv("BINANCE_API_KEY", "")
	t.Setenv("BINANCE_API_SECRET", "")

	_, err := Load("/nonexistent/.env", "")
	assert.Error(t, err)
}
