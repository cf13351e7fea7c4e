package ingestion

import (
	"errors"
	"fmt"

	"github.com/your-org/vodarchive/internal/bilibili"
	"github.com/your-org/vodarchive/pkg/storage/objectstore"
)

// ErrCancelled is returned when the job's cancellation token fired.
var ErrCancelled = errors.New("ingestion cancelled")

// PartUploadError is a chunk that could not be fetched or stored.
type PartUploadError struct {
	Index int
	Err   error
}

func (e *PartUploadError) Error() string {
	return fmt.Sprintf("part %d: %v", e.Index, e.Err)
}

func (e *PartUploadError) Unwrap() error { return e.Err }

// CompletionError means the completion call could not be made or was refused.
type CompletionError struct {
	Missing []int
	Err     error
}

func (e *CompletionError) Error() string {
	if len(e.Missing) > 0 {
		return fmt.Sprintf("complete multipart upload: missing parts %v", e.Missing)
	}
	return fmt.Sprintf("complete multipart upload: %v", e.Err)
}

func (e *CompletionError) Unwrap() error { return e.Err }

// sourceError marks a failure on the download side of a chunk.
type sourceError struct {
	err error
}

func (e *sourceError) Error() string { return e.err.Error() }

func (e *sourceError) Unwrap() error { return e.err }

func isSourceError(err error) bool {
	var se *sourceError
	return errors.As(err, &se)
}

// isJobFatal reports errors no later page can recover from: a rejected
// credential or a destination store that cannot be reached at all. Part and
// completion failures stay page-scoped even when the store call dropped its
// connection; a real outage fails the next page's existence check.
func isJobFatal(err error) bool {
	if errors.Is(err, bilibili.ErrAuth) {
		return true
	}
	var (
		perr *PartUploadError
		cerr *CompletionError
	)
	if errors.As(err, &perr) || errors.As(err, &cerr) {
		return false
	}
	return errors.Is(err, objectstore.ErrUnavailable)
}
