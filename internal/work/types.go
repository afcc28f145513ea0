package work

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

// JobTimeout is the maximum duration a handler may run before its context
// is cancelled. Downstream calls carry their own shorter timeout; this is
// the hard ceiling for self-contained work like backups.
const JobTimeout = 7 * time.Minute

// ErrUnknownJobType is returned when a claimed job names a type no handler
// is registered for. It is immediately terminal: retrying cannot help.
var ErrUnknownJobType = errors.New("unknown job type")

// HandlerFunc executes one job. It receives the job's payload and returns
// the result to store on success. Any error counts as a failed attempt.
type HandlerFunc func(ctx context.Context, payload json.RawMessage) (json.RawMessage, error)
