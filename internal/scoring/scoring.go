// Package scoring turns a judged answer into points.
package scoring

import (
	"github.com/shopspring/decimal"

	"github.com/victornm/livequiz/internal/domain"
)

const (
	DefaultBase  = 500
	DefaultBonus = 500
)

// Policy awards Base points for a correct answer plus up to Bonus points for speed.
// The bonus shrinks linearly with the time taken and reaches zero at the deadline.
//
// Score does not reject late answers; callers check the time window first.
type Policy struct {
	Base  int
	Bonus int
}

func Default() Policy {
	return Policy{Base: DefaultBase, Bonus: DefaultBonus}
}

// Score returns the points earned. A correct answer given instantly earns Base+Bonus,
// one given exactly at the deadline earns Base, an incorrect one earns nothing.
func (p Policy) Score(isCorrect bool, elapsedMs, timeLimitSeconds int) int {
	if !isCorrect {
		return 0
	}

	if timeLimitSeconds <= 0 {
		timeLimitSeconds = domain.DefaultTimeLimitSeconds
	}

	totalMs := int64(timeLimitSeconds) * 1000
	remainingMs := min(max(totalMs-int64(elapsedMs), 0), totalMs)

	// bonus * remaining / total, floored; computed exactly so e.g. 70% of 500 is 350 and not 349.
	bonus := decimal.NewFromInt(int64(p.Bonus)).
		Mul(decimal.NewFromInt(remainingMs)).
		Div(decimal.NewFromInt(totalMs)).
		Floor()

	return p.Base + int(bonus.IntPart())
}
