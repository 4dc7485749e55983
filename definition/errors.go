package definition

import (
	"errors"
	"fmt"
)

// ErrMissingPort is returned by Validate when a Definition has no Entity
// Port configured.
var ErrMissingPort = errors.New("definition: entity port is required")

// DuplicateQueueError is returned by Validate when two queue bindings name
// the same queue.
type DuplicateQueueError struct {
	Queue string
}

func (e *DuplicateQueueError) Error() string {
	return fmt.Sprintf("definition: queue %q is bound more than once", e.Queue)
}
