// Package tabs defines the browser tab surface the reconciler drives: the
// Tab handle, the Platform interface, and the event stream. Concrete
// implementations live in package browser (CDP) and in Fake (tests).
package tabs

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// Tab is a snapshot of one physical tab handle. The numeric ID is assigned
// by the platform and is not stable across browser restarts; durable
// identity is derived elsewhere from content.
type Tab struct {
	ID         int64  `json:"id"`
	URL        string `json:"url"`
	Title      string `json:"title"`
	FavIconURL string `json:"favIconUrl,omitempty"`
	Hidden     bool   `json:"hidden"`
	Active     bool   `json:"active"`
}

// CreateOpts describes a tab to open.
type CreateOpts struct {
	URL    string
	Active bool
}

// UpdateOpts patches a tab. Nil fields are left untouched.
type UpdateOpts struct {
	URL    *string
	Active *bool
}

// EventKind discriminates platform events.
type EventKind int

const (
	EventCreated EventKind = iota + 1
	EventRemoved
	EventUpdated
	EventActivated
)

func (k EventKind) String() string {
	switch k {
	case EventCreated:
		return "created"
	case EventRemoved:
		return "removed"
	case EventUpdated:
		return "updated"
	case EventActivated:
		return "activated"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Event is one tab lifecycle notification. For EventRemoved only Tab.ID is
// meaningful. URLChanged is set on EventUpdated when the navigation moved
// the tab to a different URL (not a mere title or favicon refresh).
type Event struct {
	Kind       EventKind
	Tab        Tab
	URLChanged bool
}

// Platform is the minimal tab control surface. All calls are blocking and
// honor ctx. Implementations must be safe for concurrent use.
type Platform interface {
	Query(ctx context.Context) ([]Tab, error)
	Get(ctx context.Context, id int64) (Tab, error)
	Create(ctx context.Context, opts CreateOpts) (Tab, error)
	Update(ctx context.Context, id int64, opts UpdateOpts) (Tab, error)
	Hide(ctx context.Context, ids ...int64) error
	Show(ctx context.Context, ids ...int64) error
	Activate(ctx context.Context, id int64) error
	Remove(ctx context.Context, id int64) error

	// ExecuteScript evaluates js in the tab's page and returns the result
	// serialized as a string.
	ExecuteScript(ctx context.Context, id int64, js string) (string, error)

	// Subscribe returns a channel of tab events and a cancel function.
	// The channel is closed on cancel or when ctx ends.
	Subscribe(ctx context.Context) (<-chan Event, func())
}

// Sentinel errors returned (wrapped in TabError) by platform implementations.
var (
	ErrNotFound           = errors.New("tabs: tab not found")
	ErrNoScriptPermission = errors.New("tabs: script permission denied")
)

// TabError wraps a platform failure with the operation and handle involved.
type TabError struct {
	Op    string
	TabID int64
	Err   error
}

func (e *TabError) Error() string {
	return fmt.Sprintf("tabs: %s tab %d: %v", e.Op, e.TabID, e.Err)
}

func (e *TabError) Unwrap() error { return e.Err }

var restrictedSchemes = []string{
	"about:",
	"chrome:",
	"chrome-extension:",
	"moz-extension:",
	"edge:",
	"devtools:",
	"view-source:",
	"javascript:",
	"data:",
}

// Restricted reports whether rawURL uses an internal or privileged scheme.
// Restricted tabs are never hidden, shown, or scripted.
func Restricted(rawURL string) bool {
	lower := strings.ToLower(strings.TrimSpace(rawURL))
	for _, s := range restrictedSchemes {
		if strings.HasPrefix(lower, s) {
			return true
		}
	}
	return false
}

// Regular reports whether the tab participates in topic visibility.
// Blank and restricted-scheme tabs do not.
func Regular(t Tab) bool {
	return strings.TrimSpace(t.URL) != "" && !Restricted(t.URL)
}
