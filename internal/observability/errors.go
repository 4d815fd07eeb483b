package observability

import (
	"errors"
	"fmt"
)

// AggregateErrors collapses the errors of a multi-part operation, such as
// draining every destination pool, into one logged, wrapped error. Nil
// entries are skipped; an all-nil slice yields nil.
func AggregateErrors(operation string, errs []error, fields ...Field) error {
	nonNil := make([]error, 0, len(errs))
	summaries := make([]string, 0, len(errs))
	for _, err := range errs {
		if err == nil {
			continue
		}
		nonNil = append(nonNil, err)
		summaries = append(summaries, err.Error())
	}
	if len(nonNil) == 0 {
		return nil
	}
	Log().Error("operation errors", append(fields,
		Field{Key: "operation", Value: operation},
		Field{Key: "error_count", Value: len(nonNil)},
		Field{Key: "errors", Value: summaries},
	)...)
	return fmt.Errorf("%s failed: %w", operation, errors.Join(nonNil...))
}
