package audit

import (
	"fmt"
	"strings"
	"time"
)

// ConflictingCloseError reports a second Close of a record with a terminal
// payload that differs from the first one. It signals a caller bug and must
// not be ignored.
type ConflictingCloseError struct {
	Key       RecordKey
	Existing  Status
	Attempted Status
}

func (e *ConflictingCloseError) Error() string {
	return fmt.Sprintf("audit: record %s already closed as %s, refusing different %s payload", e.Key, e.Existing, e.Attempted)
}

// StaleOpenRecordError lists records left open longer than the staleness
// threshold. Query reports them; nothing resolves them automatically.
type StaleOpenRecordError struct {
	RunID     string
	Keys      []RecordKey
	Threshold time.Duration
}

func (e *StaleOpenRecordError) Error() string {
	keys := make([]string, len(e.Keys))
	for i, k := range e.Keys {
		keys[i] = k.String()
	}
	return fmt.Sprintf("audit: run %s has %d record(s) open longer than %s: %s", e.RunID, len(e.Keys), e.Threshold, strings.Join(keys, ", "))
}
