package engine

import (
	"fmt"
	"strconv"

	"lottery7/internal/model"
)

// Multipliers in basis points of model.BpsDenominator.
const (
	MultViolet = 45000
	MultColor  = 20000
	MultNumber = 90000
	MultSize   = 20000
)

// ValidateBet reports whether value belongs to the domain of cat.
func ValidateBet(cat model.Category, value string) error {
	switch cat {
	case model.CategoryColor:
		switch value {
		case model.ColorRed, model.ColorGreen, model.ColorViolet:
			return nil
		}
	case model.CategorySize:
		switch value {
		case model.SizeBig, model.SizeSmall:
			return nil
		}
	case model.CategoryNumber:
		if _, ok := parseNumber(value); ok {
			return nil
		}
	default:
		return fmt.Errorf("%w: unknown category %q", model.ErrInvalidBetValue, cat)
	}
	return fmt.Errorf("%w: %q is not a valid %s", model.ErrInvalidBetValue, value, cat)
}

// Multiplier resolves the payout multiplier of a bet at placement time.
func Multiplier(cat model.Category, value string) (int, error) {
	if err := ValidateBet(cat, value); err != nil {
		return 0, err
	}
	return multiplier(cat, value), nil
}

// Evaluate decides a bet against a drawn outcome. It assumes the bet was
// validated at placement; an unknown category or value simply loses.
func Evaluate(cat model.Category, value string, o model.Outcome) (bool, int) {
	switch cat {
	case model.CategoryColor:
		return value == o.Color, multiplier(cat, value)
	case model.CategorySize:
		return value == o.Size, multiplier(cat, value)
	case model.CategoryNumber:
		n, ok := parseNumber(value)
		return ok && n == o.Number, multiplier(cat, value)
	}
	return false, 0
}

func multiplier(cat model.Category, value string) int {
	switch cat {
	case model.CategoryColor:
		if value == model.ColorViolet {
			return MultViolet
		}
		return MultColor
	case model.CategoryNumber:
		return MultNumber
	case model.CategorySize:
		return MultSize
	}
	return 0
}

// parseNumber accepts exactly "0".."9".
func parseNumber(value string) (int, bool) {
	if len(value) != 1 {
		return 0, false
	}
	n, err := strconv.Atoi(value)
	if err != nil || n < 0 || n > 9 {
		return 0, false
	}
	return n, true
}
