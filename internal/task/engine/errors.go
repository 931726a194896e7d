package engine

import (
	"strings"

	"github.com/cockroachdb/errors"
)

var (
	// ErrAlreadyRunning is returned by TriggerJob under the lock policy when
	// another execution holds the job's run lock.
	ErrAlreadyRunning = errors.New("job is already running")
	ErrJobNotFound    = errors.New("job not found")
	// ErrTargetNotFound marks an attempt whose target no longer exists. It is
	// an ordinary failure and still consumes the retry budget.
	ErrTargetNotFound = errors.New("target not found")
	ErrStopping       = errors.New("executor stopping")
)

// runnerEventError wraps error events a runner reported through its event
// stream without returning an error itself.
type runnerEventError struct {
	msgs []string
}

func (e *runnerEventError) Error() string {
	return strings.Join(e.msgs, "; ")
}
