// Package proto defines the message classes, subscription keys and wire
// types shared by every proxy tier.
package proto

import (
	"strconv"
	"strings"

	"github.com/yanun0323/errors"
)

// Class identifies a message class on the wire.
type Class uint8

const (
	ClassUnknown Class = iota
	// ClassAny is the bare "*" token before per-tier expansion.
	ClassAny
	ClassTrade
	ClassQuote
	ClassSecondBar
	ClassMinuteBar
	ClassLimitBand
	ClassFairValue
	// ClassMsBar is a synthesized millisecond bar; keys of this class
	// carry an interval.
	ClassMsBar
)

// WildcardSymbol matches every concrete symbol of a class.
const WildcardSymbol = "*"

// NonBarClasses are the classes a bare "*" subscription expands to.
// Synthesized bar granularity is always explicit.
var NonBarClasses = []Class{
	ClassTrade,
	ClassQuote,
	ClassSecondBar,
	ClassMinuteBar,
	ClassLimitBand,
	ClassFairValue,
}

// NativeAggregateClasses are bar classes produced by the upstream itself
// and relayed, never recomputed.
var NativeAggregateClasses = []Class{ClassSecondBar, ClassMinuteBar}

// Token returns the class token used in subscription grammar and event
// tags. ClassMsBar has no standalone token; see Key.Token.
func (c Class) Token() string {
	switch c {
	case ClassTrade:
		return "T"
	case ClassQuote:
		return "Q"
	case ClassSecondBar:
		return "A"
	case ClassMinuteBar:
		return "AM"
	case ClassLimitBand:
		return "LULD"
	case ClassFairValue:
		return "FMV"
	case ClassMsBar:
		return "Ms"
	case ClassAny:
		return "*"
	default:
		return "?"
	}
}

// IsNativeAggregate reports whether the class is an upstream-produced bar.
func (c Class) IsNativeAggregate() bool {
	return c == ClassSecondBar || c == ClassMinuteBar
}

// Key is a subscription key: (class[, interval], symbol). Symbol may be
// the wildcard token.
type Key struct {
	Class      Class
	IntervalMs int64
	Symbol     string
}

// ClassKey is a Key stripped of its symbol, used for per-class indexes.
type ClassKey struct {
	Class      Class
	IntervalMs int64
}

// ClassKey returns the key's class component.
func (k Key) ClassKey() ClassKey {
	return ClassKey{Class: k.Class, IntervalMs: k.IntervalMs}
}

// IsWildcard reports whether the key matches every symbol of its class.
func (k Key) IsWildcard() bool {
	return k.Symbol == WildcardSymbol
}

// WithSymbol returns a copy of the key for another symbol.
func (k Key) WithSymbol(symbol string) Key {
	k.Symbol = symbol
	return k
}

// Token renders the key in subscription grammar, e.g. "T.AAPL",
// "500Ms.*".
func (k Key) Token() string {
	if k.Class == ClassAny {
		return WildcardSymbol
	}
	if k.Class == ClassMsBar {
		return strconv.FormatInt(k.IntervalMs, 10) + "Ms." + k.Symbol
	}
	return k.Class.Token() + "." + k.Symbol
}

var (
	ErrBadToken = errors.New("proto: malformed subscription token")
)

// ParseKey parses one "CLASS.SYMBOL" token. The bare wildcard token
// parses to a ClassAny key that callers expand per tier.
func ParseKey(token string) (Key, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return Key{}, ErrBadToken
	}
	if token == WildcardSymbol {
		return Key{Class: ClassAny, Symbol: WildcardSymbol}, nil
	}
	dot := strings.IndexByte(token, '.')
	if dot <= 0 || dot == len(token)-1 {
		return Key{}, errors.Wrap(ErrBadToken, token)
	}
	class, symbol := token[:dot], token[dot+1:]
	if strings.ContainsAny(symbol, ".,") {
		return Key{}, errors.Wrap(ErrBadToken, token)
	}
	if interval, ok := parseMsClass(class); ok {
		return Key{Class: ClassMsBar, IntervalMs: interval, Symbol: symbol}, nil
	}
	switch class {
	case "T":
		return Key{Class: ClassTrade, Symbol: symbol}, nil
	case "Q":
		return Key{Class: ClassQuote, Symbol: symbol}, nil
	case "A":
		return Key{Class: ClassSecondBar, Symbol: symbol}, nil
	case "AM":
		return Key{Class: ClassMinuteBar, Symbol: symbol}, nil
	case "LULD":
		return Key{Class: ClassLimitBand, Symbol: symbol}, nil
	case "FMV":
		return Key{Class: ClassFairValue, Symbol: symbol}, nil
	}
	return Key{}, errors.Wrap(ErrBadToken, token)
}

// ParseKeyList parses the comma-separated token list carried by
// subscribe/unsubscribe commands.
func ParseKeyList(params string) ([]Key, error) {
	parts := strings.Split(params, ",")
	keys := make([]Key, 0, len(parts))
	for _, part := range parts {
		if strings.TrimSpace(part) == "" {
			continue
		}
		key, err := ParseKey(part)
		if err != nil {
			return nil, err
		}
		keys = append(keys, key)
	}
	if len(keys) == 0 {
		return nil, ErrBadToken
	}
	return keys, nil
}

// FormatKeyList renders keys back into command grammar.
func FormatKeyList(keys []Key) string {
	var sb strings.Builder
	for i, key := range keys {
		if i > 0 {
			sb.WriteByte(',')
		}
		sb.WriteString(key.Token())
	}
	return sb.String()
}

// ExpandWildcard replaces ClassAny keys by per-class wildcard keys drawn
// from classes; other keys pass through.
func ExpandWildcard(keys []Key, classes []Class) []Key {
	out := make([]Key, 0, len(keys))
	for _, key := range keys {
		if key.Class != ClassAny {
			out = append(out, key)
			continue
		}
		for _, class := range classes {
			out = append(out, Key{Class: class, Symbol: WildcardSymbol})
		}
	}
	return out
}

// parseMsClass recognizes "<N>Ms" class tokens.
func parseMsClass(class string) (int64, bool) {
	if len(class) <= 2 || !strings.HasSuffix(class, "Ms") {
		return 0, false
	}
	interval, err := strconv.ParseInt(class[:len(class)-2], 10, 64)
	if err != nil || interval <= 0 {
		return 0, false
	}
	return interval, true
}
