package symbols

import (
	"errors"
	"fmt"
	"regexp"
	"strings"

	"marketfeed/models"
)

// ErrParse is matched by every *ParseError.
var ErrParse = errors.New("currency pair parse error")

// ParseError reports a raw pair encoding that could not be resolved.
type ParseError struct {
	Raw    string
	Reason string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("cannot parse currency pair %q: %s", e.Raw, e.Reason)
}

func (e *ParseError) Is(target error) bool { return target == ErrParse }

const separators = "-_/"

// defaultCurrencies seeds DefaultCodec.
var defaultCurrencies = []string{
	"BTC", "ETH", "USDT", "USDC", "USD", "BUSD", "FDUSD", "TUSD", "DAI",
	"EUR", "GBP", "TRY", "BRL", "AUD", "JPY",
	"BNB", "XRP", "EOS", "LTC", "TRX", "ADA", "DOT", "SOL", "DOGE", "BCH",
	"ETC", "LINK", "MATIC", "AVAX", "SHIB", "PEPE", "BONK", "ATOM", "XLM",
	"UNI", "FIL", "NEAR", "APT", "ARB", "OP", "TON", "SUI", "WIF", "XMR",
}

// Codec resolves vendor pair encodings into canonical pairs using a table
// of known currency codes.
type Codec struct {
	known map[string]struct{}
}

var defaultCodec = NewCodec(defaultCurrencies...)

// DefaultCodec returns the shared codec seeded with common currencies.
func DefaultCodec() *Codec { return defaultCodec }

// NewCodec builds a codec that knows the given currency codes.
func NewCodec(codes ...string) *Codec {
	c := &Codec{known: make(map[string]struct{}, len(codes))}
	for _, code := range codes {
		c.known[Canonical(strings.TrimSpace(code))] = struct{}{}
	}
	return c
}

// With returns a copy of the codec that also knows the extra codes.
func (c *Codec) With(codes ...string) *Codec {
	next := &Codec{known: make(map[string]struct{}, len(c.known)+len(codes))}
	for k := range c.known {
		next.known[k] = struct{}{}
	}
	for _, code := range codes {
		next.known[Canonical(strings.TrimSpace(code))] = struct{}{}
	}
	return next
}

// Known reports whether code (after alias mapping) is in the table.
func (c *Codec) Known(code string) bool {
	_, ok := c.known[Canonical(code)]
	return ok
}

// Parse converts raw into a pair. Parsing is case-insensitive. A symbol with
// a single separator is split on it; a concatenated symbol is split at the
// longest known base prefix whose remainder is also a known currency. Both
// sides must be in the table either way; extend it with With.
func (c *Codec) Parse(raw string) (models.CurrencyPair, error) {
	sym := Clean(raw)
	if sym == "" {
		return models.CurrencyPair{}, &ParseError{Raw: raw, Reason: "empty symbol"}
	}

	if idx := strings.IndexAny(sym, separators); idx >= 0 {
		if countAny(sym, separators) != 1 {
			return models.CurrencyPair{}, &ParseError{Raw: raw, Reason: "expected exactly one separator"}
		}
		base, quote := sym[:idx], sym[idx+1:]
		if !isAlnum(base) || !isAlnum(quote) {
			return models.CurrencyPair{}, &ParseError{Raw: raw, Reason: "invalid currency code"}
		}
		if !c.Known(base) || !c.Known(quote) {
			return models.CurrencyPair{}, &ParseError{Raw: raw, Reason: "unknown currency code"}
		}
		return models.NewPair(Canonical(base), Canonical(quote)), nil
	}

	if !isAlnum(sym) {
		return models.CurrencyPair{}, &ParseError{Raw: raw, Reason: "invalid characters"}
	}
	for i := len(sym) - 1; i > 0; i-- {
		base, quote := sym[:i], sym[i:]
		if c.Known(base) && c.Known(quote) {
			return models.NewPair(Canonical(base), Canonical(quote)), nil
		}
	}
	return models.CurrencyPair{}, &ParseError{Raw: raw, Reason: "no known base/quote split"}
}

// ChannelPattern isolates a pair embedded in a structured channel or stream
// name. The expression must contain a named group "pair".
type ChannelPattern struct {
	re    *regexp.Regexp
	group int
}

// NewChannelPattern compiles expr.
func NewChannelPattern(expr string) (*ChannelPattern, error) {
	re, err := regexp.Compile(expr)
	if err != nil {
		return nil, fmt.Errorf("compile channel pattern: %w", err)
	}
	group := re.SubexpIndex("pair")
	if group < 0 {
		return nil, fmt.Errorf("channel pattern %q has no pair group", expr)
	}
	return &ChannelPattern{re: re, group: group}, nil
}

// MustChannelPattern is like NewChannelPattern but panics on error.
func MustChannelPattern(expr string) *ChannelPattern {
	p, err := NewChannelPattern(expr)
	if err != nil {
		panic(err)
	}
	return p
}

// Extract returns the embedded pair segment of raw.
func (p *ChannelPattern) Extract(raw string) (string, error) {
	m := p.re.FindStringSubmatch(raw)
	if m == nil || m[p.group] == "" {
		return "", &ParseError{Raw: raw, Reason: "channel pattern did not match"}
	}
	return m[p.group], nil
}

// ParseChannel extracts the pair segment with p and parses it.
func (c *Codec) ParseChannel(p *ChannelPattern, raw string) (models.CurrencyPair, error) {
	segment, err := p.Extract(raw)
	if err != nil {
		return models.CurrencyPair{}, err
	}
	pair, err := c.Parse(segment)
	if err != nil {
		reason := err.Error()
		var pe *ParseError
		if errors.As(err, &pe) {
			reason = pe.Reason
		}
		return models.CurrencyPair{}, &ParseError{Raw: raw, Reason: reason}
	}
	return pair, nil
}
