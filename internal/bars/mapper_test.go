package bars

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"feedproxy/internal/proto"
)

func parseKey(t *testing.T, token string) proto.Key {
	t.Helper()
	k, err := proto.ParseKey(token)
	require.NoError(t, err)
	return k
}

func TestMapUpstreamKey(t *testing.T) {
	tier, _, _ := newTestTier(t)

	// every synthesized bar granularity of one symbol collapses onto the
	// same trade subscription
	for _, token := range []string{"100Ms.AAPL", "500Ms.AAPL"} {
		mapped, ok := tier.mapUpstreamKey(parseKey(t, token))
		require.True(t, ok)
		assert.Equal(t, parseKey(t, "T.AAPL"), mapped)
	}

	mapped, ok := tier.mapUpstreamKey(parseKey(t, "500Ms.*"))
	require.True(t, ok)
	assert.Equal(t, parseKey(t, "T.*"), mapped)

	// native aggregates are requested as-is
	mapped, ok = tier.mapUpstreamKey(parseKey(t, "AM.TSLA"))
	require.True(t, ok)
	assert.Equal(t, parseKey(t, "AM.TSLA"), mapped)

	// classes this tier never serves map to nothing
	_, ok = tier.mapUpstreamKey(parseKey(t, "Q.AAPL"))
	assert.False(t, ok)
}

func TestKeyAllowed(t *testing.T) {
	tier, _, _ := newTestTier(t)

	assert.True(t, tier.keyAllowed(parseKey(t, "1Ms.AAPL")))
	assert.True(t, tier.keyAllowed(parseKey(t, "59999Ms.AAPL")))
	assert.False(t, tier.keyAllowed(parseKey(t, "60000Ms.AAPL")))
	assert.True(t, tier.keyAllowed(parseKey(t, "A.AAPL")))
	assert.True(t, tier.keyAllowed(parseKey(t, "AM.AAPL")))
	assert.False(t, tier.keyAllowed(parseKey(t, "T.AAPL")),
		"raw classes are the firehose's business")
}
