package encode

import (
	"fmt"
	"time"
)

// EncodeError marks an encoder process that exited abnormally or produced an
// unusable output file. Any EncodeError aborts the whole job.
type EncodeError struct {
	Resolution string
	Reason     string
	Err        error
}

func (e *EncodeError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("encode %s: %s: %v", e.Resolution, e.Reason, e.Err)
	}
	return fmt.Sprintf("encode %s: %s", e.Resolution, e.Reason)
}

func (e *EncodeError) Unwrap() error {
	return e.Err
}

// TimeoutError marks a rendition that exceeded its wall-clock budget. It is
// treated like an EncodeError for job outcome, modulo the over-90% grace
// policy.
type TimeoutError struct {
	Resolution string
	Budget     time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("encode %s: timed out after %s", e.Resolution, e.Budget)
}
