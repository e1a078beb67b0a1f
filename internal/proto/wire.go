package proto

import (
	"strconv"

	"github.com/shopspring/decimal"
)

// Command is a client-to-server control frame.
type Command struct {
	Action string `json:"action"`
	Params string `json:"params"`
}

// Command actions.
const (
	ActionAuth        = "auth"
	ActionSubscribe   = "subscribe"
	ActionUnsubscribe = "unsubscribe"
)

// Status is a server-to-client control frame.
type Status struct {
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
}

// Status values.
const (
	StatusAuthSuccess = "auth_success"
	StatusAuthFailed  = "auth_failed"
)

// Trade is the upstream trade layout. Only the aggregator decodes it;
// every other tier relays trades untouched. Price and size decode into
// decimals so accumulated sums stay exact.
type Trade struct {
	Event     string          `json:"ev"`
	Symbol    string          `json:"sym"`
	Price     decimal.Decimal `json:"p"`
	Size      decimal.Decimal `json:"s"`
	Timestamp int64           `json:"t"` // unix milliseconds
}

// Bar is a synthesized OHLCV bar for one (symbol, interval) window.
type Bar struct {
	Symbol      string
	IntervalMs  int64
	Open        decimal.Decimal
	High        decimal.Decimal
	Low         decimal.Decimal
	Close       decimal.Decimal
	Volume      decimal.Decimal
	TradeCount  int64
	VWAP        decimal.Decimal
	WindowStart int64 // unix milliseconds, inclusive
	WindowEnd   int64 // unix milliseconds, exclusive
}

// AppendJSON appends the bar's wire encoding to dst. Bars carry a
// distinct event tag so peers can tell them from native aggregates.
func (b Bar) AppendJSON(dst []byte) []byte {
	dst = append(dst, `{"ev":"Ms","sym":"`...)
	dst = append(dst, b.Symbol...)
	dst = append(dst, `","im":`...)
	dst = strconv.AppendInt(dst, b.IntervalMs, 10)
	dst = append(dst, `,"o":`...)
	dst = append(dst, b.Open.String()...)
	dst = append(dst, `,"h":`...)
	dst = append(dst, b.High.String()...)
	dst = append(dst, `,"l":`...)
	dst = append(dst, b.Low.String()...)
	dst = append(dst, `,"c":`...)
	dst = append(dst, b.Close.String()...)
	dst = append(dst, `,"v":`...)
	dst = append(dst, b.Volume.String()...)
	dst = append(dst, `,"n":`...)
	dst = strconv.AppendInt(dst, b.TradeCount, 10)
	dst = append(dst, `,"vw":`...)
	dst = append(dst, b.VWAP.String()...)
	dst = append(dst, `,"s":`...)
	dst = strconv.AppendInt(dst, b.WindowStart, 10)
	dst = append(dst, `,"e":`...)
	dst = strconv.AppendInt(dst, b.WindowEnd, 10)
	dst = append(dst, '}')
	return dst
}
