package store

import "time"

// Slice names of the default state tree.
const (
	SliceTopics       = "topics"
	SliceActiveTopic  = "activeTopicId"
	SliceCategories   = "categories"
	SliceBookmarks    = "bookmarks"
	SliceCategorySets = "categorySets"
	SliceUIState      = "uiState"
)

// Version is the state tree schema version.
const Version = 1

// Topic is a named workspace grouping categories, bookmarks, and tabs.
type Topic struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Color     string    `json:"color,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Category is a named bookmark grouping within one topic.
type Category struct {
	ID        string    `json:"id"`
	TopicID   string    `json:"topicId"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"createdAt"`
}

// Bookmark is a saved page belonging to one category.
type Bookmark struct {
	ID          string    `json:"id"`
	CategoryID  string    `json:"categoryId"`
	Title       string    `json:"title"`
	URL         string    `json:"url"`
	Description string    `json:"description,omitempty"`
	FavIconURL  string    `json:"favIconUrl,omitempty"`
	Content     string    `json:"content,omitempty"`
	ContentHash string    `json:"contentHash,omitempty"`
	CreatedAt   time.Time `json:"createdAt"`
}

// CategorySet is a reusable template of category names applied when
// creating a topic.
type CategorySet struct {
	ID         string   `json:"id"`
	Name       string   `json:"name"`
	Categories []string `json:"categories"`
}

// Slice state values. Each is held behind a pointer so reducers signal
// "no change" by returning the identical pointer; all contents are treated
// as immutable (copy on write).

// Topics is the topics slice.
type Topics struct {
	Items []Topic
}

// Categories is the categories slice, keyed by topic id.
type Categories struct {
	ByTopic map[string][]Category
}

// Bookmarks is the bookmarks slice, keyed by category id.
type Bookmarks struct {
	ByCategory map[string][]Bookmark
}

// CategorySets is the category set slice, keyed by set id.
type CategorySets struct {
	ByID map[string]CategorySet
}

// UIState is ephemeral presentation state. Never persisted.
type UIState struct {
	SelectedCategoryID string
	ActiveView         string
	Flags              map[string]bool
}

// Meta describes the snapshot itself.
type Meta struct {
	LastUpdated time.Time
	Initialized bool
	LastChanged string // last slice whose reducer changed it; "" before any change
}

// Snapshot is one immutable state tree observation. The zero Snapshot is
// not valid; obtain one from Store.State.
type Snapshot struct {
	rev    uint64
	values map[string]any
	meta   Meta
}

// Rev is a monotonically increasing revision, bumped once per installed
// snapshot. Two observations with equal Rev saw the identical tree.
func (s Snapshot) Rev() uint64 { return s.rev }

// Meta returns the snapshot metadata.
func (s Snapshot) Meta() Meta { return s.meta }

// Slice returns the named slice value, or nil when no reducer owns it.
// Prefer the typed selectors.
func (s Snapshot) Slice(name string) any { return s.values[name] }
