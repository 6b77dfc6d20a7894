package billing

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	cycleStart = time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	cycleEnd   = cycleStart.AddDate(0, 0, 30)
	planA      = Plan{Code: "a", Price: decimal.NewFromInt(100), Currency: "USD"}
	planB      = Plan{Code: "b", Price: decimal.NewFromInt(200), Currency: "USD"}
)

func TestCalculate_Scenarios(t *testing.T) {
	tenDaysIn := cycleStart.AddDate(0, 0, 10)

	tests := []struct {
		name      string
		current   Plan
		target    Plan
		now       time.Time
		direction Direction
		due       string
		credit    string
	}{
		{"upgrade a to b after 10 of 30 days", planA, planB, tenDaysIn, DirectionUpgrade, "133.33", "0"},
		{"downgrade b to a after 10 of 30 days", planB, planA, tenDaysIn, DirectionDowngrade, "0", "66.67"},
		{"upgrade at cycle start charges the difference", planA, planB, cycleStart, DirectionUpgrade, "100", "0"},
		{"upgrade at cycle end charges full price", planA, planB, cycleEnd, DirectionUpgrade, "200", "0"},
		{"downgrade at cycle end credits nothing", planB, planA, cycleEnd, DirectionDowngrade, "0", "0"},
		{"now before cycle start clamps to zero elapsed", planB, planA, cycleStart.AddDate(0, 0, -5), DirectionDowngrade, "0", "100"},
		{"now after cycle end clamps to fully elapsed", planA, planB, cycleEnd.AddDate(0, 1, 0), DirectionUpgrade, "200", "0"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Calculate(tt.current, tt.target, cycleStart, cycleEnd, tt.now)
			require.NoError(t, err)

			assert.Equal(t, tt.direction, got.Direction)
			assert.True(t, decimal.RequireFromString(tt.due).Equal(got.AmountDue), "amount due %s", got.AmountDue)
			assert.True(t, decimal.RequireFromString(tt.credit).Equal(got.CreditAmount), "credit %s", got.CreditAmount)
		})
	}
}

func TestCalculate_SamePlan(t *testing.T) {
	_, err := Calculate(planA, planA, cycleStart, cycleEnd, cycleStart)
	require.ErrorIs(t, err, ErrInvalidPlanTransition)
	assert.Equal(t, KindBusinessRule, KindOf(err))
}

func TestCalculate_ZeroLengthCycle(t *testing.T) {
	got, err := Calculate(planA, planB, cycleStart, cycleStart, cycleStart)
	require.NoError(t, err)
	assert.True(t, got.ElapsedFraction.Equal(decimal.NewFromInt(1)))
	assert.True(t, got.AmountDue.Equal(planB.Price))
}

func TestCalculate_EqualPriceIsDowngrade(t *testing.T) {
	twin := Plan{Code: "a2", Price: planA.Price}
	got, err := Calculate(planA, twin, cycleStart, cycleEnd, cycleStart.AddDate(0, 0, 3))
	require.NoError(t, err)
	assert.Equal(t, DirectionDowngrade, got.Direction)
	assert.True(t, got.CreditAmount.IsZero())
}

func TestCalculate_Bounds(t *testing.T) {
	prices := []string{"0", "0.01", "9.99", "49", "100", "199.95", "1000"}

	for day := 0; day <= 30; day += 3 {
		now := cycleStart.AddDate(0, 0, day)
		for _, cp := range prices {
			for _, tp := range prices {
				current := Plan{Code: "c" + cp, Price: decimal.RequireFromString(cp)}
				target := Plan{Code: "t" + tp, Price: decimal.RequireFromString(tp)}

				got, err := Calculate(current, target, cycleStart, cycleEnd, now)
				require.NoError(t, err)

				assert.False(t, got.AmountDue.IsNegative(), "negative charge %s -> %s day %d", cp, tp, day)
				assert.False(t, got.CreditAmount.IsNegative(), "negative credit %s -> %s day %d", cp, tp, day)
				assert.True(t, got.CreditAmount.LessThanOrEqual(got.UnusedValue), "credit exceeds unused value %s -> %s day %d", cp, tp, day)
				assert.True(t, got.AmountDue.LessThanOrEqual(target.Price), "charge exceeds target price %s -> %s day %d", cp, tp, day)

				again, err := Calculate(current, target, cycleStart, cycleEnd, now)
				require.NoError(t, err)
				assert.Equal(t, got, again)
			}
		}
	}
}
