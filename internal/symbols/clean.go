package symbols

import "strings"

// derivativeSuffixes are contract markers some vendors append to the pair.
var derivativeSuffixes = []string{"-SWAP", "-PERP", "_PERP", "-FUTURES"}

// multiplierPrefixes denote contracts quoted per 1000 units, e.g. 1000PEPEUSDT.
var multiplierPrefixes = []string{"1000000", "1000"}

// aliases maps vendor specific codes to canonical ones.
var aliases = map[string]string{
	"XBT": "BTC",
	"BCC": "BCH",
}

// Clean upper-cases a raw vendor symbol and strips derivative decorations.
// Examples:
//
//	btc-usdt-swap -> BTC-USDT
//	1000PEPEUSDT  -> PEPEUSDT
//	XBT/USD       -> XBT/USD (aliases apply per currency, see Canonical)
func Clean(raw string) string {
	sym := strings.ToUpper(strings.TrimSpace(raw))
	for _, suffix := range derivativeSuffixes {
		sym = strings.TrimSuffix(sym, suffix)
	}
	for _, prefix := range multiplierPrefixes {
		if strings.HasPrefix(sym, prefix) && len(sym) > len(prefix) && !isDigit(sym[len(prefix)]) {
			sym = sym[len(prefix):]
			break
		}
	}
	return sym
}

// Canonical maps a single currency code onto its canonical spelling.
func Canonical(code string) string {
	code = strings.ToUpper(code)
	if c, ok := aliases[code]; ok {
		return c
	}
	return code
}

func isDigit(b byte) bool { return b >= '0' && b <= '9' }

func isAlnum(s string) bool {
	for i := 0; i < len(s); i++ {
		b := s[i]
		if !isDigit(b) && (b < 'A' || b > 'Z') {
			return false
		}
	}
	return s != ""
}

func countAny(s, chars string) int {
	n := 0
	for _, r := range s {
		if strings.ContainsRune(chars, r) {
			n++
		}
	}
	return n
}
