package symbols

import "testing"

func TestCanonical(t *testing.T) {
	cases := []struct {
		exchange string
		in       string
		want     string
	}{
		{"binance", "BTCUSDT", "BTCUSDT"},
		{"binance", "1000PEPEUSDT", "PEPEUSDT"},
		{"binance", "1000SHIBUSDT", "SHIBUSDT"},
		{"kucoin", "XBTUSDTM", "BTCUSDT"},
		{"kucoin", "ETH-USDTM", "ETHUSDT"},
		{"coinbase", "BTC-USD", "BTCUSD"},
		{"kraken", "XBT/USD", "XBTUSD"},
		{"okx", "BTC-USDT-SWAP", "BTCUSDT"},
		{"unknown", "btcusdt", "BTCUSDT"},
	}

	for _, tc := range cases {
		if got := Canonical(tc.exchange, tc.in); got != tc.want {
			t.Errorf("Canonical(%s, %s) = %s, want %s", tc.exchange, tc.in, got, tc.want)
		}
	}
}

func TestToKucoin(t *testing.T) {
	if got := ToKucoin("BTCUSDT"); got != "XBTUSDTM" {
		t.Errorf("ToKucoin(BTCUSDT) = %s, want XBTUSDTM", got)
	}
	if got := ToKucoin("ETHUSDT"); got != "ETHUSDTM" {
		t.Errorf("ToKucoin(ETHUSDT) = %s, want ETHUSDTM", got)
	}
}

func TestRoundTrip(t *testing.T) {
	for _, sym := range []string{"BTCUSDT", "ETHUSDT", "SOLUSDT"} {
		if got := Canonical("kucoin", ToKucoin(sym)); got != sym {
			t.Errorf("round trip %s -> %s", sym, got)
		}
	}
}
