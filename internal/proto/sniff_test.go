package proto

import (
	"encoding/json"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSniff(t *testing.T) {
	testCases := []struct {
		desc    string
		payload string
		want    Key
		ok      bool
	}{
		{
			"trade",
			`{"ev":"T","sym":"AAPL","p":189.5,"s":100,"t":1700000000123}`,
			Key{Class: ClassTrade, Symbol: "AAPL"},
			true,
		},
		{
			"quote",
			`{"ev":"Q","sym":"MSFT","bp":410.1,"ap":410.2}`,
			Key{Class: ClassQuote, Symbol: "MSFT"},
			true,
		},
		{
			"minute aggregate",
			`{"ev":"AM","sym":"TSLA","o":1,"c":2}`,
			Key{Class: ClassMinuteBar, Symbol: "TSLA"},
			true,
		},
		{
			"millisecond bar",
			`{"ev":"Ms","sym":"AAPL","im":500,"o":10,"c":9}`,
			Key{Class: ClassMsBar, IntervalMs: 500, Symbol: "AAPL"},
			true,
		},
		{"status frame", `{"status":"auth_success"}`, Key{}, false},
		{"unknown event", `{"ev":"XX","sym":"AAPL"}`, Key{}, false},
		{"missing symbol", `{"ev":"T","p":1}`, Key{}, false},
		{"ms bar without interval", `{"ev":"Ms","sym":"AAPL"}`, Key{}, false},
	}

	for _, tc := range testCases {
		t.Run(tc.desc, func(t *testing.T) {
			key, ok := Sniff([]byte(tc.payload))
			assert.Equal(t, tc.ok, ok)
			if tc.ok {
				assert.Equal(t, tc.want, key)
			}
		})
	}
}

func TestBarAppendJSON(t *testing.T) {
	bar := Bar{
		Symbol:      "AAPL",
		IntervalMs:  500,
		Open:        decimal.NewFromInt(10),
		High:        decimal.NewFromInt(12),
		Low:         decimal.NewFromInt(9),
		Close:       decimal.NewFromInt(9),
		Volume:      decimal.NewFromInt(11),
		TradeCount:  4,
		VWAP:        decimal.NewFromInt(116).Div(decimal.NewFromInt(11)),
		WindowStart: 1700000000000,
		WindowEnd:   1700000000500,
	}
	payload := bar.AppendJSON(nil)

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(payload, &decoded))
	assert.Equal(t, "Ms", decoded["ev"])
	assert.Equal(t, "AAPL", decoded["sym"])
	assert.Equal(t, float64(500), decoded["im"])
	assert.Equal(t, float64(10), decoded["o"])
	assert.Equal(t, float64(12), decoded["h"])
	assert.Equal(t, float64(9), decoded["l"])
	assert.Equal(t, float64(9), decoded["c"])
	assert.Equal(t, float64(11), decoded["v"])
	assert.Equal(t, float64(4), decoded["n"])
	assert.InDelta(t, 116.0/11.0, decoded["vw"], 1e-9)

	// the emitted bytes must sniff back to the same routing key
	key, ok := Sniff(payload)
	require.True(t, ok)
	assert.Equal(t, Key{Class: ClassMsBar, IntervalMs: 500, Symbol: "AAPL"}, key)
}
