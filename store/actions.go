package store

import (
	"fmt"
	"strings"
	"time"

	"github.com/hazyhaar/topos/idgen"
)

// Action is one state transition request: a type tag, a typed payload and
// bookkeeping meta. Actions are built through the creator functions below,
// which validate input and stamp ids, so reducers can trust payload shapes.
type Action struct {
	Type    string
	Payload Payload
	Meta    ActionMeta
}

// ActionMeta rides along with an action through middleware and reducers.
type ActionMeta struct {
	// Timestamp is when the action entered the system. Dispatch stamps it
	// when the creator left it zero, so reducers never read the clock.
	Timestamp time.Time
}

// Payload is the closed union of action payload shapes.
type Payload interface{ isPayload() }

// Action types understood by the default reducers.
const (
	TypeAddTopic       = "ADD_TOPIC"
	TypeUpdateTopic    = "UPDATE_TOPIC"
	TypeDeleteTopic    = "DELETE_TOPIC"
	TypeSetTopics      = "SET_TOPICS"
	TypeSetActiveTopic = "SET_ACTIVE_TOPIC"

	TypeAddCategory    = "ADD_CATEGORY"
	TypeUpdateCategory = "UPDATE_CATEGORY"
	TypeDeleteCategory = "DELETE_CATEGORY"
	TypeSetCategories  = "SET_CATEGORIES"

	TypeAddBookmark    = "ADD_BOOKMARK"
	TypeUpdateBookmark = "UPDATE_BOOKMARK"
	TypeDeleteBookmark = "DELETE_BOOKMARK"
	TypeSetBookmarks   = "SET_BOOKMARKS"

	TypeAddCategorySet    = "ADD_CATEGORY_SET"
	TypeUpdateCategorySet = "UPDATE_CATEGORY_SET"
	TypeDeleteCategorySet = "DELETE_CATEGORY_SET"
	TypeSetCategorySets   = "SET_CATEGORY_SETS"

	TypeUpdateUI   = "UPDATE_UI_STATE"
	TypeToggleFlag = "TOGGLE_UI_FLAG"

	TypeReset = "RESET"
)

// ValidationError reports malformed input to an action creator or to
// dispatch itself.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("store: invalid %s: %s", e.Field, e.Reason)
}

// Patch types carry partial updates; nil fields are left untouched.

type TopicPatch struct {
	Name  *string
	Color *string
}

type CategoryPatch struct {
	Name *string
}

type BookmarkPatch struct {
	Title       *string
	URL         *string
	Description *string
}

type CategorySetPatch struct {
	Name       *string
	Categories *[]string
}

// Payload shapes, one per action type.

type AddTopicPayload struct{ Topic Topic }

type UpdateTopicPayload struct {
	TopicID string
	Patch   TopicPatch
}

// DeleteTopicPayload carries the ids of the topic's categories so the
// bookmarks reducer can drop their entries; callers that cannot supply them
// leave orphaned bookmark entries in memory (storage is still cleaned by
// the persistence middleware, which diffs against the pre-action state).
type DeleteTopicPayload struct {
	TopicID     string
	CategoryIDs []string
}

type SetTopicsPayload struct{ Topics []Topic }

type SetActiveTopicPayload struct{ TopicID string }

type AddCategoryPayload struct{ Category Category }

type UpdateCategoryPayload struct {
	TopicID    string
	CategoryID string
	Patch      CategoryPatch
}

type DeleteCategoryPayload struct {
	TopicID    string
	CategoryID string
}

type SetCategoriesPayload struct {
	TopicID    string
	Categories []Category
}

type AddBookmarkPayload struct{ Bookmark Bookmark }

type UpdateBookmarkPayload struct {
	CategoryID string
	BookmarkID string
	Patch      BookmarkPatch
}

type DeleteBookmarkPayload struct {
	CategoryID string
	BookmarkID string
}

type SetBookmarksPayload struct {
	CategoryID string
	Bookmarks  []Bookmark
}

type AddCategorySetPayload struct{ Set CategorySet }

type UpdateCategorySetPayload struct {
	SetID string
	Patch CategorySetPatch
}

type DeleteCategorySetPayload struct{ SetID string }

type SetCategorySetsPayload struct{ Sets []CategorySet }

type UpdateUIPayload struct {
	SelectedCategoryID *string
	ActiveView         *string
}

type ToggleFlagPayload struct{ Flag string }

func (AddTopicPayload) isPayload()          {}
func (UpdateTopicPayload) isPayload()       {}
func (DeleteTopicPayload) isPayload()       {}
func (SetTopicsPayload) isPayload()         {}
func (SetActiveTopicPayload) isPayload()    {}
func (AddCategoryPayload) isPayload()       {}
func (UpdateCategoryPayload) isPayload()    {}
func (DeleteCategoryPayload) isPayload()    {}
func (SetCategoriesPayload) isPayload()     {}
func (AddBookmarkPayload) isPayload()       {}
func (UpdateBookmarkPayload) isPayload()    {}
func (DeleteBookmarkPayload) isPayload()    {}
func (SetBookmarksPayload) isPayload()      {}
func (AddCategorySetPayload) isPayload()    {}
func (UpdateCategorySetPayload) isPayload() {}
func (DeleteCategorySetPayload) isPayload() {}
func (SetCategorySetsPayload) isPayload()   {}
func (UpdateUIPayload) isPayload()          {}
func (ToggleFlagPayload) isPayload()        {}

// Action creators. Creators that accept user input validate it and return
// a ValidationError on bad input; purely mechanical creators return the
// Action directly.

func AddTopic(name, color string) (Action, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return Action{}, &ValidationError{Field: "name", Reason: "empty"}
	}
	now := time.Now()
	return Action{Type: TypeAddTopic, Payload: AddTopicPayload{Topic: Topic{
		ID:        idgen.New(),
		Name:      name,
		Color:     color,
		CreatedAt: now,
		UpdatedAt: now,
	}}}, nil
}

func UpdateTopic(topicID string, patch TopicPatch) (Action, error) {
	if topicID == "" {
		return Action{}, &ValidationError{Field: "topicId", Reason: "empty"}
	}
	if patch.Name != nil && strings.TrimSpace(*patch.Name) == "" {
		return Action{}, &ValidationError{Field: "name", Reason: "empty"}
	}
	return Action{Type: TypeUpdateTopic, Payload: UpdateTopicPayload{TopicID: topicID, Patch: patch}}, nil
}

func DeleteTopic(topicID string, categoryIDs ...string) (Action, error) {
	if topicID == "" {
		return Action{}, &ValidationError{Field: "topicId", Reason: "empty"}
	}
	return Action{Type: TypeDeleteTopic, Payload: DeleteTopicPayload{TopicID: topicID, CategoryIDs: categoryIDs}}, nil
}

func SetTopics(topics []Topic) Action {
	return Action{Type: TypeSetTopics, Payload: SetTopicsPayload{Topics: topics}}
}

// SetActiveTopic accepts "" to clear the active topic.
func SetActiveTopic(topicID string) Action {
	return Action{Type: TypeSetActiveTopic, Payload: SetActiveTopicPayload{TopicID: topicID}}
}

func AddCategory(topicID, name string) (Action, error) {
	if topicID == "" {
		return Action{}, &ValidationError{Field: "topicId", Reason: "empty"}
	}
	name = strings.TrimSpace(name)
	if name == "" {
		return Action{}, &ValidationError{Field: "name", Reason: "empty"}
	}
	return Action{Type: TypeAddCategory, Payload: AddCategoryPayload{Category: Category{
		ID:        idgen.New(),
		TopicID:   topicID,
		Name:      name,
		CreatedAt: time.Now(),
	}}}, nil
}

func UpdateCategory(topicID, categoryID string, patch CategoryPatch) (Action, error) {
	if topicID == "" {
		return Action{}, &ValidationError{Field: "topicId", Reason: "empty"}
	}
	if categoryID == "" {
		return Action{}, &ValidationError{Field: "categoryId", Reason: "empty"}
	}
	return Action{Type: TypeUpdateCategory, Payload: UpdateCategoryPayload{
		TopicID: topicID, CategoryID: categoryID, Patch: patch,
	}}, nil
}

func DeleteCategory(topicID, categoryID string) (Action, error) {
	if topicID == "" {
		return Action{}, &ValidationError{Field: "topicId", Reason: "empty"}
	}
	if categoryID == "" {
		return Action{}, &ValidationError{Field: "categoryId", Reason: "empty"}
	}
	return Action{Type: TypeDeleteCategory, Payload: DeleteCategoryPayload{
		TopicID: topicID, CategoryID: categoryID,
	}}, nil
}

func SetCategories(topicID string, categories []Category) Action {
	return Action{Type: TypeSetCategories, Payload: SetCategoriesPayload{
		TopicID: topicID, Categories: categories,
	}}
}

func AddBookmark(categoryID, title, url string) (Action, error) {
	if categoryID == "" {
		return Action{}, &ValidationError{Field: "categoryId", Reason: "empty"}
	}
	url = strings.TrimSpace(url)
	if url == "" {
		return Action{}, &ValidationError{Field: "url", Reason: "empty"}
	}
	if strings.TrimSpace(title) == "" {
		title = url
	}
	return Action{Type: TypeAddBookmark, Payload: AddBookmarkPayload{Bookmark: Bookmark{
		ID:         idgen.New(),
		CategoryID: categoryID,
		Title:      title,
		URL:        url,
		CreatedAt:  time.Now(),
	}}}, nil
}

// AddBookmarkFull is AddBookmark for callers that captured extra detail.
func AddBookmarkFull(b Bookmark) (Action, error) {
	if b.CategoryID == "" {
		return Action{}, &ValidationError{Field: "categoryId", Reason: "empty"}
	}
	if strings.TrimSpace(b.URL) == "" {
		return Action{}, &ValidationError{Field: "url", Reason: "empty"}
	}
	if b.ID == "" {
		b.ID = idgen.New()
	}
	if strings.TrimSpace(b.Title) == "" {
		b.Title = b.URL
	}
	if b.CreatedAt.IsZero() {
		b.CreatedAt = time.Now()
	}
	return Action{Type: TypeAddBookmark, Payload: AddBookmarkPayload{Bookmark: b}}, nil
}

func UpdateBookmark(categoryID, bookmarkID string, patch BookmarkPatch) (Action, error) {
	if categoryID == "" {
		return Action{}, &ValidationError{Field: "categoryId", Reason: "empty"}
	}
	if bookmarkID == "" {
		return Action{}, &ValidationError{Field: "bookmarkId", Reason: "empty"}
	}
	return Action{Type: TypeUpdateBookmark, Payload: UpdateBookmarkPayload{
		CategoryID: categoryID, BookmarkID: bookmarkID, Patch: patch,
	}}, nil
}

func DeleteBookmark(categoryID, bookmarkID string) (Action, error) {
	if categoryID == "" {
		return Action{}, &ValidationError{Field: "categoryId", Reason: "empty"}
	}
	if bookmarkID == "" {
		return Action{}, &ValidationError{Field: "bookmarkId", Reason: "empty"}
	}
	return Action{Type: TypeDeleteBookmark, Payload: DeleteBookmarkPayload{
		CategoryID: categoryID, BookmarkID: bookmarkID,
	}}, nil
}

func SetBookmarks(categoryID string, bookmarks []Bookmark) Action {
	return Action{Type: TypeSetBookmarks, Payload: SetBookmarksPayload{
		CategoryID: categoryID, Bookmarks: bookmarks,
	}}
}

func AddCategorySet(name string, categories []string) (Action, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return Action{}, &ValidationError{Field: "name", Reason: "empty"}
	}
	return Action{Type: TypeAddCategorySet, Payload: AddCategorySetPayload{Set: CategorySet{
		ID:         idgen.New(),
		Name:       name,
		Categories: categories,
	}}}, nil
}

func UpdateCategorySet(setID string, patch CategorySetPatch) (Action, error) {
	if setID == "" {
		return Action{}, &ValidationError{Field: "setId", Reason: "empty"}
	}
	return Action{Type: TypeUpdateCategorySet, Payload: UpdateCategorySetPayload{
		SetID: setID, Patch: patch,
	}}, nil
}

func DeleteCategorySet(setID string) (Action, error) {
	if setID == "" {
		return Action{}, &ValidationError{Field: "setId", Reason: "empty"}
	}
	return Action{Type: TypeDeleteCategorySet, Payload: DeleteCategorySetPayload{SetID: setID}}, nil
}

func SetCategorySets(sets []CategorySet) Action {
	return Action{Type: TypeSetCategorySets, Payload: SetCategorySetsPayload{Sets: sets}}
}

func UpdateUI(patch UpdateUIPayload) Action {
	return Action{Type: TypeUpdateUI, Payload: patch}
}

func ToggleFlag(flag string) (Action, error) {
	if flag == "" {
		return Action{}, &ValidationError{Field: "flag", Reason: "empty"}
	}
	return Action{Type: TypeToggleFlag, Payload: ToggleFlagPayload{Flag: flag}}, nil
}

// Reset returns every slice to its initial value.
func Reset() Action {
	return Action{Type: TypeReset}
}
