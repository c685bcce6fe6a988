package extract

import (
	"errors"
	"fmt"

	"catalog-migrator/internal/models"
)

// ExtractionError marks structurally malformed input. It is never retried.
type ExtractionError struct {
	Source models.SourceKind
	URL    string
	Reason string
	Err    error
}

func (e *ExtractionError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("extract %s %s: %s: %v", e.Source, e.URL, e.Reason, e.Err)
	}
	return fmt.Sprintf("extract %s %s: %s", e.Source, e.URL, e.Reason)
}

func (e *ExtractionError) Unwrap() error {
	return e.Err
}

// IsExtractionError reports whether err wraps an *ExtractionError.
func IsExtractionError(err error) bool {
	var ee *ExtractionError
	return errors.As(err, &ee)
}

func malformed(source models.SourceKind, link, reason string, err error) *ExtractionError {
	return &ExtractionError{Source: source, URL: link, Reason: reason, Err: err}
}
