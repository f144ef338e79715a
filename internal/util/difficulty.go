package util

import (
	"fmt"
	"math/big"
)

var (
	// MaxTarget is the maximum target value (difficulty 1 lower bound)
	MaxTarget = new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 256), big.NewInt(1))

	// Diff1Target is the difficulty 1 target
	Diff1Target = new(big.Int).SetBytes([]byte{
		0x00, 0x00, 0x00, 0x00, 0xff, 0xff, 0xff, 0xff,
		0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff,
		0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff,
		0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff,
	})
)

// ParseDifficulty parses a decimal difficulty string into an exact rational.
// Share accounting is rational end to end; floats would drift the PPLNS sums.
func ParseDifficulty(s string) (*big.Rat, error) {
	r, ok := new(big.Rat).SetString(s)
	if !ok || r.Sign() <= 0 {
		return nil, fmt.Errorf("invalid difficulty %q", s)
	}
	return r, nil
}

// DifficultyToTarget converts a rational difficulty to its target:
// target = diff1 / difficulty, rounded down.
func DifficultyToTarget(difficulty *big.Rat) *big.Int {
	if difficulty == nil || difficulty.Sign() <= 0 {
		return new(big.Int).Set(MaxTarget)
	}
	t := new(big.Int).Mul(Diff1Target, difficulty.Denom())
	return t.Div(t, difficulty.Num())
}

// TargetToDifficulty converts a target back to a rational difficulty.
func TargetToDifficulty(target *big.Int) *big.Rat {
	if target == nil || target.Sign() == 0 {
		return new(big.Rat)
	}
	return new(big.Rat).SetFrac(new(big.Int).Set(Diff1Target), new(big.Int).Set(target))
}

// CompactToTarget expands the compact "bits" representation of a block
// header into the full 256-bit target.
func CompactToTarget(bits uint32) *big.Int {
	mantissa := int64(bits & 0x007fffff)
	exponent := uint(bits >> 24)
	var target *big.Int
	if exponent <= 3 {
		target = big.NewInt(mantissa >> (8 * (3 - exponent)))
	} else {
		target = big.NewInt(mantissa)
		target.Lsh(target, 8*(exponent-3))
	}
	if bits&0x00800000 != 0 {
		target.Neg(target)
	}
	return target
}

// DifficultyFloat renders a rational difficulty as float64 for the
// mining.set_difficulty wire frame. Wire precision loss is acceptable;
// internal accounting keeps the exact rational.
func DifficultyFloat(difficulty *big.Rat) float64 {
	f, _ := difficulty.Float64()
	return f
}
