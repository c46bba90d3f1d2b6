package richtext

import "fmt"

// ParseError reports HTML input that could not be read to the end. The
// builder recovers from it by falling back to the flattened text read so far;
// it never reaches callers except through the logger.
type ParseError struct {
	Err error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("parse html: %v", e.Err)
}

func (e *ParseError) Unwrap() error {
	return e.Err
}

// MissingResolutionError means a placeholder reached Splice without a
// resolved asset. It indicates broken wiring, not bad input.
type MissingResolutionError struct {
	ID int
}

func (e *MissingResolutionError) Error() string {
	return fmt.Sprintf("placeholder %d has no resolved asset", e.ID)
}
