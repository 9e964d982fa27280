package store

import "slices"

// Selectors read typed values out of a Snapshot. They never allocate unless
// noted; returned slices and maps are the snapshot's own immutable data and
// must not be mutated by callers.

// SelectTopics returns all topics in insertion order.
func SelectTopics(snap Snapshot) []Topic {
	if t, ok := snap.Slice(SliceTopics).(*Topics); ok {
		return t.Items
	}
	return nil
}

// SelectTopic returns the topic with the given id.
func SelectTopic(snap Snapshot, topicID string) (Topic, bool) {
	for _, t := range SelectTopics(snap) {
		if t.ID == topicID {
			return t, true
		}
	}
	return Topic{}, false
}

// SelectActiveTopicID returns the active topic id, "" when none is active.
func SelectActiveTopicID(snap Snapshot) string {
	if id, ok := snap.Slice(SliceActiveTopic).(string); ok {
		return id
	}
	return ""
}

// SelectActiveTopic resolves the active topic id against the topics slice.
// A dangling id (possible between hydration tiers) reports false.
func SelectActiveTopic(snap Snapshot) (Topic, bool) {
	id := SelectActiveTopicID(snap)
	if id == "" {
		return Topic{}, false
	}
	return SelectTopic(snap, id)
}

// SelectCategories returns the categories of one topic.
func SelectCategories(snap Snapshot, topicID string) []Category {
	if c, ok := snap.Slice(SliceCategories).(*Categories); ok {
		return c.ByTopic[topicID]
	}
	return nil
}

// SelectCategoryIDs returns the ids of one topic's categories. Allocates.
func SelectCategoryIDs(snap Snapshot, topicID string) []string {
	cats := SelectCategories(snap, topicID)
	if len(cats) == 0 {
		return nil
	}
	ids := make([]string, len(cats))
	for i, c := range cats {
		ids[i] = c.ID
	}
	return ids
}

// SelectCategory finds a category by id across all topics.
func SelectCategory(snap Snapshot, categoryID string) (Category, bool) {
	c, ok := snap.Slice(SliceCategories).(*Categories)
	if !ok {
		return Category{}, false
	}
	for _, cats := range c.ByTopic {
		for _, cat := range cats {
			if cat.ID == categoryID {
				return cat, true
			}
		}
	}
	return Category{}, false
}

// SelectBookmarks returns the bookmarks of one category.
func SelectBookmarks(snap Snapshot, categoryID string) []Bookmark {
	if b, ok := snap.Slice(SliceBookmarks).(*Bookmarks); ok {
		return b.ByCategory[categoryID]
	}
	return nil
}

// SelectCategorySets returns all category sets sorted by name. Allocates.
func SelectCategorySets(snap Snapshot) []CategorySet {
	cs, ok := snap.Slice(SliceCategorySets).(*CategorySets)
	if !ok || len(cs.ByID) == 0 {
		return nil
	}
	sets := make([]CategorySet, 0, len(cs.ByID))
	for _, s := range cs.ByID {
		sets = append(sets, s)
	}
	slices.SortFunc(sets, func(a, b CategorySet) int {
		if a.Name != b.Name {
			if a.Name < b.Name {
				return -1
			}
			return 1
		}
		if a.ID < b.ID {
			return -1
		}
		if a.ID > b.ID {
			return 1
		}
		return 0
	})
	return sets
}

// SelectCategorySet returns one category set by id.
func SelectCategorySet(snap Snapshot, setID string) (CategorySet, bool) {
	if cs, ok := snap.Slice(SliceCategorySets).(*CategorySets); ok {
		set, found := cs.ByID[setID]
		return set, found
	}
	return CategorySet{}, false
}

// SelectUI returns the ephemeral UI state.
func SelectUI(snap Snapshot) UIState {
	if ui, ok := snap.Slice(SliceUIState).(*UIState); ok {
		return *ui
	}
	return UIState{}
}

// SelectFlag returns one UI flag, false when unset.
func SelectFlag(snap Snapshot, flag string) bool {
	return SelectUI(snap).Flags[flag]
}
