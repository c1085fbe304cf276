package observer

import (
	"math"
	"testing"
)

func TestCalculate(t *testing.T) {
	c := NewCostCalculator(nil)
	tests := []struct {
		name   string
		model  string
		input  int
		output int
		want   float64
	}{
		{"flash", "gemini-2.5-flash", 1_000_000, 1_000_000, 0.75},
		{"pro", "gemini-2.5-pro", 2_000_000, 100_000, 3.50},
		{"free tier", "gemini-2.0-flash-lite", 500_000, 500_000, 0},
		{"unknown model", "gpt-4o", 1_000_000, 1_000_000, 0},
		{"zero tokens", "gemini-2.5-flash", 0, 0, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := c.Calculate(tt.model, tt.input, tt.output)
			if math.Abs(got-tt.want) > 1e-9 {
				t.Errorf("got %g, want %g", got, tt.want)
			}
		})
	}
}

func TestPricingOverrides(t *testing.T) {
	c := NewCostCalculator(map[string]ModelPricing{
		"gemini-2.5-flash": {InputPerMillion: 1.00, OutputPerMillion: 2.00},
		"custom-model":     {InputPerMillion: 5.00, OutputPerMillion: 5.00},
	})

	if got := c.Calculate("gemini-2.5-flash", 1_000_000, 1_000_000); got != 3.00 {
		t.Errorf("override not applied: %g", got)
	}
	if got := c.Calculate("custom-model", 1_000_000, 0); got != 5.00 {
		t.Errorf("new entry not applied: %g", got)
	}
	// Unmentioned defaults survive the merge.
	if got := c.Calculate("gemini-2.5-pro", 1_000_000, 0); got != 1.25 {
		t.Errorf("default lost: %g", got)
	}
	// The package default map itself stays untouched.
	if DefaultPricing["gemini-2.5-flash"].InputPerMillion != 0.15 {
		t.Error("DefaultPricing mutated by override merge")
	}
}
