package symbol

import (
	"strings"
)

type Symbol struct {
	Base  string
	Quote string
}

func (s Symbol) Internal() string {
	if s.Base == "" || s.Quote == "" {
		return ""
	}
	return s.Base + "/" + s.Quote
}

func (s Symbol) Exchange() string {
	if s.Base == "" || s.Quote == "" {
		return ""
	}
	return s.Base + s.Quote
}

// Normalize reduces a symbol string to the canonical collapsed form: upper
// case, no whitespace, separator and settle suffix stripped, so "btc/usdt",
// "BTC/USDT:USDT" and " BTCUSDT " land on the same ledger row. Ledger
// records, lock keys and venue position lookups all key on this form.
func Normalize(s string) string {
	if p := Parse(s); p.Quote != "" {
		return p.Exchange()
	}
	s = strings.ToUpper(strings.TrimSpace(s))
	if idx := strings.Index(s, ":"); idx >= 0 {
		s = s[:idx]
	}
	return strings.ReplaceAll(s, "/", "")
}

// Display renders a symbol for humans: the slashed BASE/QUOTE form when the
// pair is recognizable, the input otherwise. Alerts and log lines use this;
// storage never does.
func Display(s string) string {
	if p := Parse(s); p.Quote != "" {
		return p.Internal()
	}
	return s
}

func Parse(s string) Symbol {
	s = strings.ToUpper(strings.TrimSpace(s))
	if s == "" {
		return Symbol{}
	}

	if idx := strings.Index(s, ":"); idx >= 0 {
		s = s[:idx]
	}

	if parts := strings.SplitN(s, "/", 2); len(parts) == 2 {
		return Symbol{
			Base:  strings.TrimSpace(parts[0]),
			Quote: strings.TrimSpace(parts[1]),
		}
	}

	quoteCurrencies := []string{"USDT", "BUSD", "USDC", "TUSD", "BTC", "ETH", "BNB"}
	for _, quote := range quoteCurrencies {
		if strings.HasSuffix(s, quote) && len(s) > len(quote) {
			return Symbol{
				Base:  s[:len(s)-len(quote)],
				Quote: quote,
			}
		}
	}
	return Symbol{Base: s}
}
