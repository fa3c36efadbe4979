package symbol

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNormalize(t *testing.T) {
	assert.Equal(t, "BTCUSDT", Normalize(" btcusdt "))
	assert.Equal(t, "BTCUSDT", Normalize("btc/usdt"))
	assert.Equal(t, "BTCUSDT", Normalize("BTC/USDT:USDT"))
	assert.Equal(t, "", Normalize("   "))
}

// Every spelling of a pair must collapse to one ledger key, or a position
// claimed in one form becomes invisible when the venue reports another.
func TestNormalizeCollapsesAllForms(t *testing.T) {
	forms := []string{"BTC/USDT", "btc/usdt", "BTCUSDT", " btcusdt ", "BTC/USDT:USDT"}
	for _, f := range forms {
		assert.Equal(t, "BTCUSDT", Normalize(f), "form %q", f)
	}
}

func TestDisplay(t *testing.T) {
	assert.Equal(t, "BTC/USDT", Display("BTCUSDT"))
	assert.Equal(t, "BTC/USDT", Display("btc/usdt"))
	assert.Equal(t, "WEIRD", Display("WEIRD"))
}

func TestParse(t *testing.T) {
	cases := []struct {
		in    string
		base  string
		quote string
	}{
		{"BTC/USDT", "BTC", "USDT"},
		{"btc/usdt", "BTC", "USDT"},
		{"ETHUSDT", "ETH", "USDT"},
		{"SOLBTC", "SOL", "BTC"},
		{"BTC/USDT:USDT", "BTC", "USDT"},
		{"WEIRD", "WEIRD", ""},
	}
	for _, tc := range cases {
		t.Run(tc.in, func(t *testing.T) {
			got := Parse(tc.in)
			assert.Equal(t, tc.base, got.Base)
			assert.Equal(t, tc.quote, got.Quote)
		})
	}
}

func TestInternalAndExchangeForms(t *testing.T) {
	s := Symbol{Base: "BTC", Quote: "USDT"}
	assert.Equal(t, "BTC/USDT", s.Internal())
	assert.Equal(t, "BTCUSDT", s.Exchange())

	incomplete := Symbol{Base: "BTC"}
	assert.Equal(t, "", incomplete.Internal())
	assert.Equal(t, "", incomplete.Exchange())
}
