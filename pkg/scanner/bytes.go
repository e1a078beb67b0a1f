// Package scanner extracts single fields from JSON payloads without
// decoding them. Relaying tiers use it to read routing metadata off the
// wire; only the tier that interprets a payload runs a full decode.
package scanner

func ScanUintField(payload []byte, key []byte) (uint64, bool) {
	idx := IndexOf(payload, key)
	if idx < 0 {
		return 0, false
	}
	i := idx + len(key)
	for i < len(payload) && payload[i] != ':' {
		i++
	}
	if i >= len(payload) {
		return 0, false
	}
	i++
	for i < len(payload) && IsSpace(payload[i]) {
		i++
	}
	if i >= len(payload) || payload[i] < '0' || payload[i] > '9' {
		return 0, false
	}
	var v uint64
	for i < len(payload) && payload[i] >= '0' && payload[i] <= '9' {
		v = v*10 + uint64(payload[i]-'0')
		i++
	}
	return v, true
}

func ScanStringField(payload []byte, key []byte) ([]byte, bool) {
	idx := IndexOf(payload, key)
	if idx < 0 {
		return nil, false
	}
	i := idx + len(key)
	for i < len(payload) && payload[i] != ':' {
		i++
	}
	if i >= len(payload) {
		return nil, false
	}
	i++
	for i < len(payload) && IsSpace(payload[i]) {
		i++
	}
	if i >= len(payload) || payload[i] != '"' {
		return nil, false
	}
	i++
	start := i
	for i < len(payload) && payload[i] != '"' {
		i++
	}
	if i >= len(payload) {
		return nil, false
	}
	return payload[start:i], true
}

// SplitArrayObjects splits a top-level JSON array into its element slices.
// Elements reference the input buffer; no copies. Returns nil when the
// payload is not an array. String contents and nested containers are
// honored, full validation is not attempted.
func SplitArrayObjects(payload []byte, dst [][]byte) [][]byte {
	i := 0
	for i < len(payload) && IsSpace(payload[i]) {
		i++
	}
	if i >= len(payload) || payload[i] != '[' {
		return nil
	}
	i++
	depth := 0
	inString := false
	escaped := false
	start := -1
	for ; i < len(payload); i++ {
		b := payload[i]
		if inString {
			if escaped {
				escaped = false
			} else if b == '\\' {
				escaped = true
			} else if b == '"' {
				inString = false
			}
			continue
		}
		switch b {
		case '"':
			inString = true
			if start < 0 {
				start = i
			}
		case '{', '[':
			if start < 0 {
				start = i
			}
			depth++
		case '}', ']':
			if depth == 0 {
				// closing bracket of the outer array
				if start >= 0 {
					dst = append(dst, trimRight(payload[start:i]))
				}
				return dst
			}
			depth--
		case ',':
			if depth == 0 && start >= 0 {
				dst = append(dst, trimRight(payload[start:i]))
				start = -1
			}
		default:
			if start < 0 && !IsSpace(b) {
				start = i
			}
		}
	}
	return dst
}

func trimRight(b []byte) []byte {
	for len(b) > 0 && IsSpace(b[len(b)-1]) {
		b = b[:len(b)-1]
	}
	return b
}

func IndexOf(payload []byte, key []byte) int {
	if len(key) == 0 || len(payload) < len(key) {
		return -1
	}
outer:
	for i := 0; i <= len(payload)-len(key); i++ {
		for j := 0; j < len(key); j++ {
			if payload[i+j] != key[j] {
				continue outer
			}
		}
		return i
	}
	return -1
}

func IsSpace(b byte) bool {
	return b == ' ' || b == '\t' || b == '\n' || b == '\r'
}
