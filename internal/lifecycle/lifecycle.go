// Package lifecycle holds the status rules of a service request. Matching only
// reads them; the transitions themselves are applied by the acceptance and
// cancellation flows.
package lifecycle

import (
	"errors"
	"fmt"

	"github.com/example/service-matching/internal/models"
)

var ErrInvalidTransition = errors.New("invalid request status transition")

var allowed = map[models.RequestStatus][]models.RequestStatus{
	models.StatusPending:  {models.StatusAccepted, models.StatusCancelled},
	models.StatusAccepted: {models.StatusCompleted, models.StatusCancelled},
}

func IsPending(r models.ServiceRequest) bool {
	return r.Status == models.StatusPending
}

// IsTerminal reports whether no further matching may happen for status s.
func IsTerminal(s models.RequestStatus) bool {
	return s != models.StatusPending
}

func CanTransition(from, to models.RequestStatus) bool {
	for _, s := range allowed[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Transition validates from -> to and returns to.
func Transition(from, to models.RequestStatus) (models.RequestStatus, error) {
	if !CanTransition(from, to) {
		return from, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}
	return to, nil
}
