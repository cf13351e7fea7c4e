package bilibili

import (
	"errors"
	"fmt"
)

var (
	// ErrAuth means the session credential is missing, expired or rejected.
	// Every page needs signed requests, so callers treat it as job-fatal.
	ErrAuth = errors.New("bilibili: session credential rejected")
	// ErrNoAudioStream means the stream manifest carried no audio representation.
	ErrNoAudioStream = errors.New("bilibili: no audio stream offered")
	// ErrLengthUnknown means the resolved audio URL did not declare its size.
	ErrLengthUnknown = errors.New("bilibili: audio content length unknown")
)

// APIError carries the platform's own error code and message.
type APIError struct {
	Endpoint string
	Code     int
	Message  string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("bilibili %s: code %d: %s", e.Endpoint, e.Code, e.Message)
}

// FetchError is a failed ranged download. Callers may retry the whole range.
type FetchError struct {
	StatusCode int
	Start, End int64
	Err        error
}

func (e *FetchError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("fetch bytes %d-%d: %v", e.Start, e.End, e.Err)
	}
	return fmt.Sprintf("fetch bytes %d-%d: unexpected status %d", e.Start, e.End, e.StatusCode)
}

func (e *FetchError) Unwrap() error { return e.Err }
