package store

import (
	"maps"
	"slices"
)

// Initial slice values. Reset hands these exact pointers back, so resetting
// an already-initial slice is a no-op under reference comparison.
var (
	initialTopics       = &Topics{}
	initialCategories   = &Categories{ByTopic: map[string][]Category{}}
	initialBookmarks    = &Bookmarks{ByCategory: map[string][]Bookmark{}}
	initialCategorySets = &CategorySets{ByID: map[string]CategorySet{}}
	initialUIState      = &UIState{}
)

// RegisterDefaults binds the six default reducers. Call before the first
// dispatch, typically right after New.
func RegisterDefaults(s *Store) error {
	regs := []struct {
		slice   string
		initial any
		fn      Reducer
	}{
		{SliceTopics, initialTopics, topicsReducer},
		{SliceActiveTopic, "", activeTopicReducer},
		{SliceCategories, initialCategories, categoriesReducer},
		{SliceBookmarks, initialBookmarks, bookmarksReducer},
		{SliceCategorySets, initialCategorySets, categorySetsReducer},
		{SliceUIState, initialUIState, uiReducer},
	}
	for _, r := range regs {
		if err := s.RegisterReducer(r.slice, r.initial, r.fn); err != nil {
			return err
		}
	}
	return nil
}

func topicsReducer(current any, act Action) any {
	cur, ok := current.(*Topics)
	if !ok {
		return current
	}
	switch act.Type {
	case TypeAddTopic:
		p, ok := act.Payload.(AddTopicPayload)
		if !ok {
			return cur
		}
		return &Topics{Items: append(slices.Clone(cur.Items), p.Topic)}

	case TypeUpdateTopic:
		p, ok := act.Payload.(UpdateTopicPayload)
		if !ok {
			return cur
		}
		i := slices.IndexFunc(cur.Items, func(t Topic) bool { return t.ID == p.TopicID })
		if i < 0 {
			return cur
		}
		items := slices.Clone(cur.Items)
		t := items[i]
		if p.Patch.Name != nil {
			t.Name = *p.Patch.Name
		}
		if p.Patch.Color != nil {
			t.Color = *p.Patch.Color
		}
		t.UpdatedAt = act.Meta.Timestamp
		items[i] = t
		return &Topics{Items: items}

	case TypeDeleteTopic:
		p, ok := act.Payload.(DeleteTopicPayload)
		if !ok {
			return cur
		}
		i := slices.IndexFunc(cur.Items, func(t Topic) bool { return t.ID == p.TopicID })
		if i < 0 {
			return cur
		}
		items := slices.Clone(cur.Items)
		return &Topics{Items: slices.Delete(items, i, i+1)}

	case TypeSetTopics:
		p, ok := act.Payload.(SetTopicsPayload)
		if !ok {
			return cur
		}
		return &Topics{Items: slices.Clone(p.Topics)}

	case TypeReset:
		return initialTopics
	}
	return cur
}

func activeTopicReducer(current any, act Action) any {
	cur, ok := current.(string)
	if !ok {
		return current
	}
	switch act.Type {
	case TypeSetActiveTopic:
		p, ok := act.Payload.(SetActiveTopicPayload)
		if !ok {
			return cur
		}
		return p.TopicID

	case TypeDeleteTopic:
		p, ok := act.Payload.(DeleteTopicPayload)
		if !ok {
			return cur
		}
		if cur == p.TopicID {
			return ""
		}
		return cur

	case TypeReset:
		return ""
	}
	return cur
}

func categoriesReducer(current any, act Action) any {
	cur, ok := current.(*Categories)
	if !ok {
		return current
	}
	switch act.Type {
	case TypeAddCategory:
		p, ok := act.Payload.(AddCategoryPayload)
		if !ok {
			return cur
		}
		byTopic := maps.Clone(cur.ByTopic)
		byTopic[p.Category.TopicID] = append(slices.Clone(byTopic[p.Category.TopicID]), p.Category)
		return &Categories{ByTopic: byTopic}

	case TypeUpdateCategory:
		p, ok := act.Payload.(UpdateCategoryPayload)
		if !ok {
			return cur
		}
		existing, found := cur.ByTopic[p.TopicID]
		if !found {
			return cur
		}
		i := slices.IndexFunc(existing, func(c Category) bool { return c.ID == p.CategoryID })
		if i < 0 {
			return cur
		}
		cats := slices.Clone(existing)
		if p.Patch.Name != nil {
			cats[i].Name = *p.Patch.Name
		}
		byTopic := maps.Clone(cur.ByTopic)
		byTopic[p.TopicID] = cats
		return &Categories{ByTopic: byTopic}

	case TypeDeleteCategory:
		p, ok := act.Payload.(DeleteCategoryPayload)
		if !ok {
			return cur
		}
		existing, found := cur.ByTopic[p.TopicID]
		if !found {
			return cur
		}
		i := slices.IndexFunc(existing, func(c Category) bool { return c.ID == p.CategoryID })
		if i < 0 {
			return cur
		}
		byTopic := maps.Clone(cur.ByTopic)
		byTopic[p.TopicID] = slices.Delete(slices.Clone(existing), i, i+1)
		return &Categories{ByTopic: byTopic}

	case TypeSetCategories:
		p, ok := act.Payload.(SetCategoriesPayload)
		if !ok || p.TopicID == "" {
			return cur
		}
		byTopic := maps.Clone(cur.ByTopic)
		byTopic[p.TopicID] = slices.Clone(p.Categories)
		return &Categories{ByTopic: byTopic}

	case TypeDeleteTopic:
		p, ok := act.Payload.(DeleteTopicPayload)
		if !ok {
			return cur
		}
		if _, found := cur.ByTopic[p.TopicID]; !found {
			return cur
		}
		byTopic := maps.Clone(cur.ByTopic)
		delete(byTopic, p.TopicID)
		return &Categories{ByTopic: byTopic}

	case TypeReset:
		return initialCategories
	}
	return cur
}

func bookmarksReducer(current any, act Action) any {
	cur, ok := current.(*Bookmarks)
	if !ok {
		return current
	}
	switch act.Type {
	case TypeAddBookmark:
		p, ok := act.Payload.(AddBookmarkPayload)
		if !ok {
			return cur
		}
		byCat := maps.Clone(cur.ByCategory)
		byCat[p.Bookmark.CategoryID] = append(slices.Clone(byCat[p.Bookmark.CategoryID]), p.Bookmark)
		return &Bookmarks{ByCategory: byCat}

	case TypeUpdateBookmark:
		p, ok := act.Payload.(UpdateBookmarkPayload)
		if !ok {
			return cur
		}
		existing, found := cur.ByCategory[p.CategoryID]
		if !found {
			return cur
		}
		i := slices.IndexFunc(existing, func(b Bookmark) bool { return b.ID == p.BookmarkID })
		if i < 0 {
			return cur
		}
		bms := slices.Clone(existing)
		if p.Patch.Title != nil {
			bms[i].Title = *p.Patch.Title
		}
		if p.Patch.URL != nil {
			bms[i].URL = *p.Patch.URL
		}
		if p.Patch.Description != nil {
			bms[i].Description = *p.Patch.Description
		}
		byCat := maps.Clone(cur.ByCategory)
		byCat[p.CategoryID] = bms
		return &Bookmarks{ByCategory: byCat}

	case TypeDeleteBookmark:
		p, ok := act.Payload.(DeleteBookmarkPayload)
		if !ok {
			return cur
		}
		existing, found := cur.ByCategory[p.CategoryID]
		if !found {
			return cur
		}
		i := slices.IndexFunc(existing, func(b Bookmark) bool { return b.ID == p.BookmarkID })
		if i < 0 {
			return cur
		}
		byCat := maps.Clone(cur.ByCategory)
		byCat[p.CategoryID] = slices.Delete(slices.Clone(existing), i, i+1)
		return &Bookmarks{ByCategory: byCat}

	case TypeSetBookmarks:
		p, ok := act.Payload.(SetBookmarksPayload)
		if !ok || p.CategoryID == "" {
			return cur
		}
		byCat := maps.Clone(cur.ByCategory)
		byCat[p.CategoryID] = slices.Clone(p.Bookmarks)
		return &Bookmarks{ByCategory: byCat}

	case TypeDeleteCategory:
		p, ok := act.Payload.(DeleteCategoryPayload)
		if !ok {
			return cur
		}
		if _, found := cur.ByCategory[p.CategoryID]; !found {
			return cur
		}
		byCat := maps.Clone(cur.ByCategory)
		delete(byCat, p.CategoryID)
		return &Bookmarks{ByCategory: byCat}

	case TypeDeleteTopic:
		p, ok := act.Payload.(DeleteTopicPayload)
		if !ok {
			return cur
		}
		var byCat map[string][]Bookmark
		for _, id := range p.CategoryIDs {
			if _, found := cur.ByCategory[id]; !found {
				continue
			}
			if byCat == nil {
				byCat = maps.Clone(cur.ByCategory)
			}
			delete(byCat, id)
		}
		if byCat == nil {
			return cur
		}
		return &Bookmarks{ByCategory: byCat}

	case TypeReset:
		return initialBookmarks
	}
	return cur
}

func categorySetsReducer(current any, act Action) any {
	cur, ok := current.(*CategorySets)
	if !ok {
		return current
	}
	switch act.Type {
	case TypeAddCategorySet:
		p, ok := act.Payload.(AddCategorySetPayload)
		if !ok {
			return cur
		}
		byID := maps.Clone(cur.ByID)
		byID[p.Set.ID] = p.Set
		return &CategorySets{ByID: byID}

	case TypeUpdateCategorySet:
		p, ok := act.Payload.(UpdateCategorySetPayload)
		if !ok {
			return cur
		}
		set, found := cur.ByID[p.SetID]
		if !found {
			return cur
		}
		if p.Patch.Name != nil {
			set.Name = *p.Patch.Name
		}
		if p.Patch.Categories != nil {
			set.Categories = slices.Clone(*p.Patch.Categories)
		}
		byID := maps.Clone(cur.ByID)
		byID[p.SetID] = set
		return &CategorySets{ByID: byID}

	case TypeDeleteCategorySet:
		p, ok := act.Payload.(DeleteCategorySetPayload)
		if !ok {
			return cur
		}
		if _, found := cur.ByID[p.SetID]; !found {
			return cur
		}
		byID := maps.Clone(cur.ByID)
		delete(byID, p.SetID)
		return &CategorySets{ByID: byID}

	case TypeSetCategorySets:
		p, ok := act.Payload.(SetCategorySetsPayload)
		if !ok {
			return cur
		}
		byID := make(map[string]CategorySet, len(p.Sets))
		for _, set := range p.Sets {
			byID[set.ID] = set
		}
		return &CategorySets{ByID: byID}

	case TypeReset:
		return initialCategorySets
	}
	return cur
}

func uiReducer(current any, act Action) any {
	cur, ok := current.(*UIState)
	if !ok {
		return current
	}
	switch act.Type {
	case TypeUpdateUI:
		p, ok := act.Payload.(UpdateUIPayload)
		if !ok {
			return cur
		}
		sameSelection := p.SelectedCategoryID == nil || *p.SelectedCategoryID == cur.SelectedCategoryID
		sameView := p.ActiveView == nil || *p.ActiveView == cur.ActiveView
		if sameSelection && sameView {
			return cur
		}
		next := *cur
		if p.SelectedCategoryID != nil {
			next.SelectedCategoryID = *p.SelectedCategoryID
		}
		if p.ActiveView != nil {
			next.ActiveView = *p.ActiveView
		}
		return &next

	case TypeToggleFlag:
		p, ok := act.Payload.(ToggleFlagPayload)
		if !ok {
			return cur
		}
		next := *cur
		next.Flags = maps.Clone(cur.Flags)
		if next.Flags == nil {
			next.Flags = map[string]bool{}
		}
		next.Flags[p.Flag] = !next.Flags[p.Flag]
		return &next

	case TypeDeleteCategory:
		p, ok := act.Payload.(DeleteCategoryPayload)
		if !ok {
			return cur
		}
		if cur.SelectedCategoryID != p.CategoryID || cur.SelectedCategoryID == "" {
			return cur
		}
		next := *cur
		next.SelectedCategoryID = ""
		return &next

	case TypeDeleteTopic:
		// The deleted topic's categories are gone; a stale selection must
		// not survive even when the payload could not enumerate them.
		if cur.SelectedCategoryID == "" {
			return cur
		}
		next := *cur
		next.SelectedCategoryID = ""
		return &next

	case TypeReset:
		return initialUIState
	}
	return cur
}
