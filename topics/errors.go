package topics

import (
	"errors"
	"fmt"
)

// ErrSwitchInFlight is returned when SwitchTo is called while another
// switch is still reconciling. The caller retries after the first finishes.
var ErrSwitchInFlight = errors.New("topics: a topic switch is already in progress")

// ErrNoActiveTopic is returned by operations that need an active topic.
var ErrNoActiveTopic = errors.New("topics: no active topic")

// ErrNotCapturable is returned when bookmark capture targets a tab whose
// content cannot be read, such as browser-internal pages.
var ErrNotCapturable = errors.New("topics: tab content is not capturable")

// NotFoundError reports a missing entity by kind and id.
type NotFoundError struct {
	Kind string // "topic", "category", "tab"
	ID   string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("topics: %s %q not found", e.Kind, e.ID)
}

// IsNotFound reports whether err is a NotFoundError of any kind.
func IsNotFound(err error) bool {
	var nf *NotFoundError
	return errors.As(err, &nf)
}
