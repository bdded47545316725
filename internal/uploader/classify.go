package uploader

import "time"

// Class is how the pool treats the result of one upload attempt.
type Class int

const (
	ClassOK Class = iota
	ClassRetryable
	ClassFatal
)

func (c Class) String() string {
	switch c {
	case ClassOK:
		return "ok"
	case ClassRetryable:
		return "retryable"
	case ClassFatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// Outcome is the result of one upload attempt.
type Outcome struct {
	Class    Class
	Status   int    // HTTP status, 0 if no response was received
	Message  string // server-provided error message, if any
	Err      error  // transport or encoding failure
	Duration time.Duration
}

// Classify maps an HTTP status to a Class. 2xx is OK, 5xx is retried and
// everything else is fatal. The attempt number plays no part.
func Classify(status int) Class {
	switch {
	case status >= 200 && status < 300:
		return ClassOK
	case status >= 500 && status < 600:
		return ClassRetryable
	default:
		return ClassFatal
	}
}
