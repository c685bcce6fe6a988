package queue

import (
	"errors"
	"fmt"
)

// QueueError wraps a Redis failure with the operation and queue it happened on.
type QueueError struct {
	Op    string
	Queue string
	Err   error
}

func (e *QueueError) Error() string {
	if e.Queue == "" {
		return fmt.Sprintf("queue %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("queue %s %s: %v", e.Op, e.Queue, e.Err)
}

func (e *QueueError) Unwrap() error { return e.Err }

// IsQueueError reports whether err carries a QueueError.
func IsQueueError(err error) bool {
	var qe *QueueError
	return errors.As(err, &qe)
}
