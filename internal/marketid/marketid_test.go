package marketid

import (
	"errors"
	"strings"
	"testing"

	"github.com/atmx/lending-ledger/internal/fixedpoint"
	"github.com/atmx/lending-ledger/internal/model"
)

func params() model.MarketParams {
	p := model.MarketParams{
		LoanToken:          "USDC",
		CollateralToken:    "WETH",
		Oracle:             "chainlink:eth-usd",
		LoanDecimals:       6,
		CollateralDecimals: 18,
	}
	p.RateModel.Kind = model.RateModelFixed
	p.RateModel.RatePerSecond.SetUint64(1_000_000_000)
	p.LLTV.Set(fixedpoint.MustParse("860000000000000000"))
	return p
}

func TestOf_Deterministic(t *testing.T) {
	a := Of(params())
	b := Of(params())
	if a != b {
		t.Fatalf("expected identical keys, got %s and %s", a, b)
	}
	if len(a) != 64 {
		t.Errorf("expected 64 hex characters, got %d", len(a))
	}
	if _, err := Parse(string(a)); err != nil {
		t.Errorf("key should parse: %v", err)
	}
}

func TestOf_SensitiveToEveryField(t *testing.T) {
	base := Of(params())

	mutations := map[string]func(p *model.MarketParams){
		"loan token":          func(p *model.MarketParams) { p.LoanToken = "DAI" },
		"collateral token":    func(p *model.MarketParams) { p.CollateralToken = "WBTC" },
		"oracle":              func(p *model.MarketParams) { p.Oracle = "pyth:eth-usd" },
		"lltv":                func(p *model.MarketParams) { p.LLTV.SetUint64(1) },
		"loan decimals":       func(p *model.MarketParams) { p.LoanDecimals = 18 },
		"collateral decimals": func(p *model.MarketParams) { p.CollateralDecimals = 8 },
		"rate":                func(p *model.MarketParams) { p.RateModel.RatePerSecond.SetUint64(2) },
	}
	for name, mutate := range mutations {
		p := params()
		mutate(&p)
		if Of(p) == base {
			t.Errorf("changing %s did not change the key", name)
		}
	}
}

func TestOf_LengthPrefixedStrings(t *testing.T) {
	a := params()
	a.LoanToken, a.CollateralToken = "AB", "C"
	b := params()
	b.LoanToken, b.CollateralToken = "A", "BC"
	if Of(a) == Of(b) {
		t.Error("shifting characters between token fields must change the key")
	}
}

func TestParse_Invalid(t *testing.T) {
	tests := []string{
		"",
		"abc",
		strings.Repeat("z", 64),
		strings.Repeat("a", 63),
		strings.Repeat("a", 65),
	}
	for _, s := range tests {
		if _, err := Parse(s); !errors.Is(err, ErrInvalidID) {
			t.Errorf("expected ErrInvalidID for %q, got %v", s, err)
		}
	}
}

func TestParse_NormalizesCase(t *testing.T) {
	id, err := Parse(strings.Repeat("AB", 32))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if string(id) != strings.Repeat("ab", 32) {
		t.Errorf("expected lower-case key, got %s", id)
	}
}

func TestValidate(t *testing.T) {
	if err := Validate(params()); err != nil {
		t.Fatalf("valid params rejected: %v", err)
	}

	tests := map[string]func(p *model.MarketParams){
		"missing loan token": func(p *model.MarketParams) { p.LoanToken = " " },
		"lltv at one":        func(p *model.MarketParams) { p.LLTV.Set(fixedpoint.WAD()) },
		"decimals too large": func(p *model.MarketParams) { p.CollateralDecimals = 40 },
		"unknown rate model": func(p *model.MarketParams) { p.RateModel.Kind = "adaptive" },
		"kinked without kink": func(p *model.MarketParams) {
			p.RateModel = model.RateModelConfig{Kind: model.RateModelKinked}
		},
	}
	for name, mutate := range tests {
		p := params()
		mutate(&p)
		if err := Validate(p); !errors.Is(err, ErrInvalidParams) {
			t.Errorf("%s: expected ErrInvalidParams, got %v", name, err)
		}
	}
}
