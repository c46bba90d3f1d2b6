package importer

import "fmt"

// Row stages reported in BatchError.
const (
	StageMapping    = "mapping"
	StageConversion = "conversion"
	StageSubmission = "submission"
	StageRepublish  = "republish"
)

// ValidationError rejects a batch before any network call. Row is -1 when
// the problem is not tied to a single row.
type ValidationError struct {
	Row    int
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Row < 0 {
		return "invalid import: " + e.Reason
	}
	return fmt.Sprintf("invalid import: row %d: %s", e.Row, e.Reason)
}

// EntrySubmissionError reports a failed create, fetch or publish of an entry.
type EntrySubmissionError struct {
	Stage   string
	EntryID string
	Err     error
}

func (e *EntrySubmissionError) Error() string {
	if e.EntryID == "" {
		return fmt.Sprintf("%s entry: %v", e.Stage, e.Err)
	}
	return fmt.Sprintf("%s entry %s: %v", e.Stage, e.EntryID, e.Err)
}

func (e *EntrySubmissionError) Unwrap() error { return e.Err }

// BatchError is the failure of one row, with the stage it reached.
type BatchError struct {
	Row   int
	Stage string
	Err   error
}

func (e *BatchError) Error() string {
	return fmt.Sprintf("row %d: %s: %v", e.Row, e.Stage, e.Err)
}

func (e *BatchError) Unwrap() error { return e.Err }
