package core

import (
	"fmt"

	"github.com/google/uuid"
)

// NewID returns a new task id. Version 7 UUIDs sort roughly by creation
// time, which keeps storage scans and log output in submission order.
func NewID() string {
	id, err := uuid.NewV7()
	if err != nil {
		// The only failure mode is a broken entropy source; fall back
		// to the random version rather than propagating an error
		// through every submission path.
		return uuid.NewString()
	}
	return id.String()
}

// ParseID validates a task id, returning its canonical form.
func ParseID(id string) (string, error) {
	parsed, err := uuid.Parse(id)
	if err != nil {
		return "", fmt.Errorf("%w: %q", ErrInvalidTaskID, id)
	}
	return parsed.String(), nil
}
