package expansion

import (
	"errors"
	"fmt"
)

// Tiers is an ascending sequence of search radii in kilometers. The last
// value is the hard ceiling for expansion.
type Tiers []int

// DefaultTiers are the radii used when none are configured.
var DefaultTiers = Tiers{1, 3, 5}

var ErrInvalidTiers = errors.New("radius tiers must be non-empty, positive and strictly ascending")

func (t Tiers) Validate() error {
	if len(t) == 0 {
		return ErrInvalidTiers
	}
	for i, v := range t {
		if v <= 0 || (i > 0 && v <= t[i-1]) {
			return fmt.Errorf("%w: %v", ErrInvalidTiers, []int(t))
		}
	}
	return nil
}

func (t Tiers) First() int { return t[0] }

func (t Tiers) Max() int { return t[len(t)-1] }

// Next returns the smallest tier strictly greater than current.
func (t Tiers) Next(current int) (int, bool) {
	for _, v := range t {
		if v > current {
			return v, true
		}
	}
	return 0, false
}
