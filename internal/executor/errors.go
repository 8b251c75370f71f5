package executor

import "fmt"

// ContainerExecutionError reports a container that terminated with a non-zero
// exit status. Logs carries the full container output for diagnosis.
type ContainerExecutionError struct {
	StatusCode int64
	Logs       string
}

func (e *ContainerExecutionError) Error() string {
	return fmt.Sprintf("container exited with status %d:\n%s", e.StatusCode, e.Logs)
}

// TransportError reports an HTTP executor transport failure: connection
// errors, timeouts, or a non-2xx response.
type TransportError struct {
	URL string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("request to %s failed: %v", e.URL, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}
