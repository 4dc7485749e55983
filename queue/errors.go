package queue

import "fmt"

// SubmitFailedError wraps a failure to enqueue a job.
type SubmitFailedError struct {
	Queue string
	Err   error
}

func (e *SubmitFailedError) Error() string {
	return fmt.Sprintf("queue: submitting job to %q: %v", e.Queue, e.Err)
}

func (e *SubmitFailedError) Unwrap() error { return e.Err }

// ShutdownError is returned by Produce once the client has begun or
// finished a graceful shutdown.
type ShutdownError struct {
	Queue string
}

func (e *ShutdownError) Error() string {
	return fmt.Sprintf("queue: client is shutting down, rejecting produce to %q", e.Queue)
}
