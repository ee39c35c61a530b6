package memutils

import (
	cerrors "github.com/cockroachdb/errors"
	"golang.org/x/exp/constraints"
)

type Number interface {
	constraints.Integer
}

func CheckPow2[T Number](number T, name string) error {
	if number == 0 || number&(number-1) != 0 {
		return cerrors.Wrapf(PowerOfTwoError, "%s is %d", name, number)
	}
	return nil
}

// CheckAligned returns an error wrapping AlignmentError if number is not a multiple of alignment.
// alignment must be a power of two.
func CheckAligned[T Number](number T, alignment uint, name string) error {
	if !IsAligned(number, alignment) {
		return cerrors.Wrapf(AlignmentError, "%s is %d, which is not a multiple of %d", name, number, alignment)
	}
	return nil
}

func IsAligned[T Number](value T, alignment uint) bool {
	return value&T(alignment-1) == 0
}

func AlignUp[T Number](value T, alignment uint) T {
	return (value + T(alignment) - 1) & ^T(alignment-1)
}

func AlignDown[T Number](value T, alignment uint) T {
	return value & ^T(alignment-1)
}
