// Package symbols provides canonical pair parsing and the USD/USDT
// quote-equivalence rules used across the order store, lot rebuilding
// and the SL/TP checker.
package symbols

import (
	"fmt"
	"strings"
)

// Quote currencies treated as interchangeable for exposure and lot matching.
// ADA_USD and ADA_USDT are the same position from the agent's point of view.
var equivalentQuotes = map[string]bool{
	"USD":  true,
	"USDT": true,
}

// stablecoins and fiat currencies that never count as a tradeable base.
var nonTradeableBases = map[string]bool{
	"USD":  true,
	"USDT": true,
	"USDC": true,
	"DAI":  true,
	"BUSD": true,
	"TUSD": true,
	"EUR":  true,
	"GBP":  true,
	"AUD":  true,
	"CAD":  true,
}

// BaseOf returns the base currency of a canonical pair ("ADA_USDT" -> "ADA").
// A bare currency with no separator is returned unchanged.
func BaseOf(symbol string) string {
	if i := strings.Index(symbol, "_"); i > 0 {
		return symbol[:i]
	}
	return symbol
}

// QuoteOf returns the quote currency of a canonical pair ("ADA_USDT" -> "USDT").
// Returns "" when the symbol has no separator.
func QuoteOf(symbol string) string {
	if i := strings.Index(symbol, "_"); i >= 0 && i < len(symbol)-1 {
		return symbol[i+1:]
	}
	return ""
}

// Pair builds a canonical pair string from base and quote.
func Pair(base, quote string) string {
	return fmt.Sprintf("%s_%s", strings.ToUpper(base), strings.ToUpper(quote))
}

// SameBase reports whether two symbols share a base currency under
// quote equivalence. SameBase("ADA_USD", "ADA_USDT") is true;
// SameBase("ADA_USDT", "ADA_BTC") is also true by base alone.
func SameBase(a, b string) bool {
	return BaseOf(a) != "" && BaseOf(a) == BaseOf(b)
}

// Equivalent reports whether two symbols name the same position:
// identical, or same base with both quotes in the equivalence set.
func Equivalent(a, b string) bool {
	if a == b {
		return true
	}
	if BaseOf(a) != BaseOf(b) {
		return false
	}
	return equivalentQuotes[QuoteOf(a)] && equivalentQuotes[QuoteOf(b)]
}

// Variants returns every pair the exchange may report for the base of the
// given symbol under quote equivalence, e.g. ["ADA_USD", "ADA_USDT"].
// Symbols quoted in a non-equivalent currency return just themselves.
func Variants(symbol string) []string {
	base := BaseOf(symbol)
	quote := QuoteOf(symbol)
	if quote != "" && !equivalentQuotes[quote] {
		return []string{symbol}
	}
	return []string{Pair(base, "USD"), Pair(base, "USDT")}
}

// Canonical maps a symbol to the single key its quote-equivalence class
// shares: uppercase, with USD/USDT collapsed to USD. ADA_USDT and ada_usd
// both canonicalize to "ADA_USD".
func Canonical(symbol string) string {
	s := strings.ToUpper(strings.TrimSpace(symbol))
	quote := QuoteOf(s)
	if equivalentQuotes[quote] {
		return Pair(BaseOf(s), "USD")
	}
	return s
}

// IsTradeableBase reports whether a currency can hold a position worth
// protecting. Stablecoins and fiat are excluded from SL/TP sweeps.
func IsTradeableBase(currency string) bool {
	return currency != "" && !nonTradeableBases[strings.ToUpper(currency)]
}

// IsEquivalentQuote reports whether the currency belongs to the USD/USDT
// equivalence set.
func IsEquivalentQuote(currency string) bool {
	return equivalentQuotes[strings.ToUpper(currency)]
}
