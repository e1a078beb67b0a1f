package config

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"feedproxy/internal/router"
)

func setRequired(t *testing.T) {
	t.Helper()
	t.Setenv("EXCHANGE_URL", "wss://feed.example.com/stocks")
	t.Setenv("EXCHANGE_API_KEY", "key")
	t.Setenv("FIREHOSE_ADDR", ":7001")
	t.Setenv("FIREHOSE_CREDENTIAL", "fh")
	t.Setenv("BARS_ADDR", ":7002")
	t.Setenv("BARS_CREDENTIAL", "ba")
	t.Setenv("FILTERED_ADDR", ":7003")
	t.Setenv("FILTERED_CREDENTIAL", "fi")
}

func TestLoadDefaults(t *testing.T) {
	setRequired(t)

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "wss://feed.example.com/stocks", cfg.Exchange.URL)
	assert.Equal(t, ":7001", cfg.Firehose.Addr)
	assert.Equal(t, 4096, cfg.Firehose.QueueCapacity)
	assert.EqualValues(t, 1, cfg.BarsTier.MinIntervalMs)
	assert.EqualValues(t, 60_000, cfg.BarsTier.MaxIntervalMs)
	assert.Equal(t, ":7090", cfg.Ops.Addr)
	assert.Empty(t, cfg.Recorder.DSN, "the bar journal is off unless configured")
}

func TestLoadMissingRequired(t *testing.T) {
	setRequired(t)
	// empty-but-set does not count: the variable has to disappear
	require.NoError(t, os.Unsetenv("EXCHANGE_URL"))

	_, err := Load("")
	assert.Error(t, err)
}

func TestLoadRejectsBadIntervalRange(t *testing.T) {
	setRequired(t)
	t.Setenv("BARS_MIN_INTERVAL_MS", "1000")
	t.Setenv("BARS_MAX_INTERVAL_MS", "500")

	_, err := Load("")
	assert.Error(t, err)
}

func TestLoadRejectsUnknownPolicy(t *testing.T) {
	setRequired(t)
	t.Setenv("FILTERED_QUEUE_POLICY", "yolo")

	_, err := Load("")
	assert.Error(t, err)
}

func TestParsePolicy(t *testing.T) {
	p, err := ParsePolicy("drop")
	require.NoError(t, err)
	assert.Equal(t, router.OverflowDrop, p)

	p, err = ParsePolicy("block")
	require.NoError(t, err)
	assert.Equal(t, router.OverflowBlock, p)

	p, err = ParsePolicy("drop_oldest")
	require.NoError(t, err)
	assert.Equal(t, router.OverflowDropOldest, p)

	_, err = ParsePolicy("yolo")
	assert.Error(t, err)
}
