package proto

import "feedproxy/pkg/scanner"

var (
	keyEvent    = []byte(`"ev"`)
	keySymbol   = []byte(`"sym"`)
	keyInterval = []byte(`"im"`)
)

// Sniff extracts (class, symbol) routing metadata from a single raw JSON
// object without decoding it. Returns false for control frames and
// anything it does not recognize.
func Sniff(payload []byte) (Key, bool) {
	event, ok := scanner.ScanStringField(payload, keyEvent)
	if !ok {
		return Key{}, false
	}
	var class Class
	switch string(event) {
	case "T":
		class = ClassTrade
	case "Q":
		class = ClassQuote
	case "A":
		class = ClassSecondBar
	case "AM":
		class = ClassMinuteBar
	case "LULD":
		class = ClassLimitBand
	case "FMV":
		class = ClassFairValue
	case "Ms":
		class = ClassMsBar
	default:
		return Key{}, false
	}
	symbol, ok := scanner.ScanStringField(payload, keySymbol)
	if !ok || len(symbol) == 0 {
		return Key{}, false
	}
	key := Key{Class: class, Symbol: string(symbol)}
	if class == ClassMsBar {
		interval, ok := scanner.ScanUintField(payload, keyInterval)
		if !ok || interval == 0 {
			return Key{}, false
		}
		key.IntervalMs = int64(interval)
	}
	return key, true
}
