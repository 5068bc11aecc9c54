package symbols

import "strings"

// ToCanonical converts a venue-specific symbol spelling to the canonical
// format: uppercase base+quote with no separators (BTC-USD -> BTCUSD,
// BTC-USDT -> BTCUSDT). Currently supported venues: binance, coinbase, okx.
func ToCanonical(venue, sym string) string {
	sym = strings.ToUpper(strings.TrimSpace(sym))
	switch strings.ToLower(venue) {
	case "coinbase":
		sym = strings.ReplaceAll(sym, "-", "")
	case "okx":
		sym = strings.TrimSuffix(sym, "-SWAP")
		sym = strings.ReplaceAll(sym, "-", "")
	default:
		// binance already uses the desired format
	}
	return sym
}

// ToVenue converts a canonical symbol to the spelling a venue expects on
// its wire protocol (BTCUSDT -> BTC-USDT for okx and coinbase).
func ToVenue(venue, canonical string) string {
	canonical = strings.ToUpper(strings.TrimSpace(canonical))
	switch strings.ToLower(venue) {
	case "coinbase", "okx":
		return insertDash(canonical)
	default:
		return canonical
	}
}

// Known quote currencies ordered so longer suffixes match first.
var quoteSuffixes = []string{"USDT", "USDC", "BUSD", "USD", "EUR", "GBP", "BTC", "ETH"}

func insertDash(sym string) string {
	for _, q := range quoteSuffixes {
		if strings.HasSuffix(sym, q) && len(sym) > len(q) {
			return sym[:len(sym)-len(q)] + "-" + q
		}
	}
	return sym
}
