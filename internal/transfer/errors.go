package transfer

import "fmt"

// NetworkError represents a failed range request: connection errors, unexpected
// HTTP statuses and bodies that end before the requested range was delivered.
type NetworkError struct {
	Operation  string // The operation that failed (e.g., "fetch_range", "read_body")
	URL        string // The download url
	StatusCode int    // HTTP status code, if applicable (0 for non-HTTP errors)
	Message    string // Error message from the server or network layer
	Err        error  // Underlying error, if any
}

func (e *NetworkError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("network error during %s of %s (HTTP %d): %s", e.Operation, e.URL, e.StatusCode, e.Message)
	}

	return fmt.Sprintf("network error during %s of %s: %s", e.Operation, e.URL, e.Message)
}

func (e *NetworkError) Unwrap() error {
	return e.Err
}

// RangeError is returned when the server ignores or rejects the requested byte range,
// which would corrupt a segmented download if the body were written at the segment offset.
type RangeError struct {
	URL        string
	Start, End int64
	StatusCode int
}

func (e *RangeError) Error() string {
	return fmt.Sprintf("server did not honor range %d-%d of %s (HTTP %d)", e.Start, e.End-1, e.URL, e.StatusCode)
}
