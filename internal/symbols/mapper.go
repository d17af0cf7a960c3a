package symbols

import "strings"

// Canonical converts exchange-specific symbol formats to the engine's
// canonical style: uppercase, no separators, BTC instead of XBT.
// Currently supported exchanges: binance, kucoin, coinbase, kraken, okx.
func Canonical(exchange, sym string) string {
	switch strings.ToLower(exchange) {
	case "binance":
		switch sym {
		case "1000BONKUSDT":
			sym = "BONKUSDT"
		case "1000PEPEUSDT":
			sym = "PEPEUSDT"
		case "1000SHIBUSDT":
			sym = "SHIBUSDT"
		}
	case "coinbase":
		sym = strings.ReplaceAll(sym, "-", "")
	case "kraken":
		sym = strings.ReplaceAll(sym, "/", "")
		sym = strings.ReplaceAll(sym, "-", "")
	case "kucoin":
		sym = strings.ReplaceAll(sym, "-", "")
		sym = strings.TrimSuffix(sym, "M")
		if strings.HasPrefix(sym, "XBT") {
			sym = "BTC" + sym[3:]
		}
	case "okx":
		sym = strings.TrimSuffix(sym, "-SWAP")
		sym = strings.ReplaceAll(sym, "-", "")
	default:
		// others already use the desired format
	}
	return strings.ToUpper(sym)
}

// ToKucoin converts a canonical symbol to KuCoin futures format.
// Example: BTCUSDT -> XBTUSDTM.
func ToKucoin(sym string) string {
	if strings.HasPrefix(sym, "BTC") {
		sym = "XBT" + sym[3:]
	}
	return sym + "M"
}
