package export

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrNoItems         = errors.New("export: no items")
	ErrDuplicateOutput = errors.New("export: duplicate output id")
	ErrNoDownload      = errors.New("export: app finished without delivering a file")
)

// ItemError is the failure of one batch item.
type ItemError struct {
	Index    int
	OutputID string
	URI      string
	Err      error
}

func (e *ItemError) Error() string {
	return fmt.Sprintf("item %d (%s): %v", e.Index, e.OutputID, e.Err)
}

func (e *ItemError) Unwrap() error { return e.Err }

// BatchError reports the items that failed a batch. Items cancelled
// because a sibling failed are not listed.
type BatchError struct {
	Items []*ItemError
}

func (e *BatchError) Error() string {
	msgs := make([]string, len(e.Items))
	for i, it := range e.Items {
		msgs[i] = it.Error()
	}
	return fmt.Sprintf("export: %d item(s) failed: %s", len(e.Items), strings.Join(msgs, "; "))
}

func (e *BatchError) Unwrap() []error {
	errs := make([]error, len(e.Items))
	for i, it := range e.Items {
		errs[i] = it
	}
	return errs
}
