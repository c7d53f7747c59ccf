package config_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fenrir/internal/config"
	"fenrir/internal/engine"
)

func TestDefault_PassesValidate(t *testing.T) {
	cfg := config.Default()
	assert.NoError(t, cfg.Validate())
}

func TestValidate_RejectsUnknownTradingWindowMode(t *testing.T) {
	cfg := config.Default()
	cfg.Engine.TradingWindowMode = "sometimes"
	assert.Error(t, cfg.Validate())
}

func TestValidate_RequiresGuardSymbolWhenGuardEnabled(t *testing.T) {
	cfg := config.Default()
	cfg.Engine.BookGuardEnabled = true
	assert.Error(t, cfg.Validate())

	cfg.Engine.BookGuardSymbol = "BTCUSDT"
	assert.NoError(t, cfg.Validate())
}

func TestToEngineConfig_TranslatesModesCorrectly(t *testing.T) {
	cfg := config.Default()
	cfg.Engine.TradingWindowMode = "block_all"
	cfg.Engine.BrokerTimeMode = "before_event"

	ec := cfg.ToEngineConfig()
	require.Equal(t, engine.BlockAll, ec.TradingWindowMode)
	require.Equal(t, engine.BeforeEvent, ec.BrokerTimeMode)
}
