package billing

import (
	"time"

	"github.com/shopspring/decimal"
)

// moneyPlaces is the number of decimal places kept on stored amounts
const moneyPlaces = 2

// Calculate computes the charge or credit of moving from current to target
// at now, within the cycle [cycleStart, cycleEnd). It has no side effects and
// returns the same result for the same inputs.
func Calculate(current, target Plan, cycleStart, cycleEnd, now time.Time) (ProrationResult, error) {
	if current.Code == target.Code {
		return ProrationResult{}, ErrInvalidPlanTransition.Withf("already on plan %q", current.Code)
	}

	elapsed := elapsedFraction(cycleStart, cycleEnd, now)
	remaining := decimal.NewFromInt(1).Sub(elapsed)
	unused := current.Price.Mul(remaining)

	result := ProrationResult{
		ElapsedFraction: elapsed.Round(4),
		UnusedValue:     unused.Round(moneyPlaces),
		AmountDue:       decimal.Zero,
		CreditAmount:    decimal.Zero,
	}

	if target.Price.GreaterThan(current.Price) {
		result.Direction = DirectionUpgrade
		result.AmountDue = floorZero(target.Price.Sub(unused)).Round(moneyPlaces)
		return result, nil
	}

	result.Direction = DirectionDowngrade
	targetRemainder := target.Price.Mul(remaining)
	result.CreditAmount = floorZero(unused.Sub(targetRemainder)).Round(moneyPlaces)
	return result, nil
}

// elapsedFraction returns (now-start)/(end-start) clamped to [0,1].
// A cycle with no length counts as fully elapsed.
func elapsedFraction(start, end, now time.Time) decimal.Decimal {
	total := end.Sub(start)
	if total <= 0 {
		return decimal.NewFromInt(1)
	}
	used := now.Sub(start)
	if used <= 0 {
		return decimal.Zero
	}
	if used >= total {
		return decimal.NewFromInt(1)
	}
	return decimal.NewFromInt(int64(used)).Div(decimal.NewFromInt(int64(total)))
}

func floorZero(d decimal.Decimal) decimal.Decimal {
	if d.IsNegative() {
		return decimal.Zero
	}
	return d
}
