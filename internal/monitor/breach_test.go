package monitor

import (
	"testing"

	"github.com/shopspring/decimal"

	"quote-guard/internal/pricing"
)

func TestCheckBreachBps(t *testing.T) {
	cfg := ThresholdConfig{Mode: pricing.ModeBps, Value: decimal.NewFromInt(30)}
	cases := []struct {
		name    string
		quoted  string
		current string
		want    bool
	}{
		{"just over threshold", "5.00", "5.016", true},
		{"exactly at threshold", "5.00", "5.015", true},
		{"under threshold", "5.00", "5.0016", false},
		{"well over threshold", "5.00", "5.02", true},
		{"unchanged", "5.00", "5.00", false},
		{"downward move", "5.00", "4.90", false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := checkBreach(price(tc.quoted), price(tc.current), cfg)
			if got != tc.want {
				t.Errorf("checkBreach(%s, %s, bps/30) = %v, want %v", tc.quoted, tc.current, got, tc.want)
			}
		})
	}
}

func TestCheckBreachAbsBRL(t *testing.T) {
	cfg := ThresholdConfig{Mode: pricing.ModeAbsBRL, Value: decimal.NewFromInt(30)}
	cases := []struct {
		name    string
		quoted  string
		current string
		want    bool
	}{
		{"market above quote", "5.00", "5.01", true},
		{"market touches quote", "5.00", "5.00", true},
		{"market below quote", "5.00", "4.9999", false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := checkBreach(price(tc.quoted), price(tc.current), cfg)
			if got != tc.want {
				t.Errorf("checkBreach(%s, %s, abs_brl) = %v, want %v", tc.quoted, tc.current, got, tc.want)
			}
		})
	}
}

func TestCheckBreachFlat(t *testing.T) {
	cfg := ThresholdConfig{Mode: pricing.ModeFlat, Value: decimal.NewFromInt(30)}
	if checkBreach(price("5.00"), price("99.99"), cfg) {
		t.Error("flat mode must never breach")
	}
}
