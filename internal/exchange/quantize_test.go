package exchange

import (
	"math/rand"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFloorToStep(t *testing.T) {
	tests := []struct {
		name string
		qty  string
		step string
		want string
	}{
		{"exact multiple", "0.066", "0.001", "0.066"},
		{"floors down", "0.0666", "0.001", "0.066"},
		{"below one step", "0.0004", "0.001", "0"},
		{"coarse step", "123.7", "0.5", "123.5"},
		{"integer step", "17.9", "1", "17"},
		{"zero step passthrough", "1.2345", "0", "1.2345"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := FloorToStep(dec(tt.qty), dec(tt.step))
			assert.True(t, got.Equal(dec(tt.want)), "got %s want %s", got, tt.want)
		})
	}
}

func TestCeilToStep(t *testing.T) {
	got := CeilToStep(dec("0.0161"), dec("0.001"))
	assert.True(t, got.Equal(dec("0.017")), "got %s", got)

	got = CeilToStep(dec("0.016"), dec("0.001"))
	assert.True(t, got.Equal(dec("0.016")), "got %s", got)
}

// Quantized quantities never exceed the original and always divide the step
// exactly, for arbitrary inputs.
func TestFloorToStepProperties(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	steps := []string{"0.001", "0.01", "0.1", "1", "0.0001", "0.5"}

	for i := 0; i < 500; i++ {
		qty := decimal.NewFromFloat(rng.Float64() * 10000)
		step := dec(steps[rng.Intn(len(steps))])

		got := FloorToStep(qty, step)

		require.True(t, got.LessThanOrEqual(qty), "quantized %s exceeds original %s", got, qty)
		require.True(t, got.GreaterThanOrEqual(decimal.Zero))
		rem := got.Mod(step)
		require.True(t, rem.IsZero(), "quantized %s not a multiple of step %s (rem %s)", got, step, rem)
	}
}

func dec(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return d
}
