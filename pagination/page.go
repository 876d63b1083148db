package pagination

// Page is one slice of history, newest first.
type Page[T any] struct {
	Items      []T
	HasMore    bool
	NextCursor *Cursor
}

// Build turns rows fetched with limit+1 (newest first) into a page of at most limit items.
// position extracts the ordering key of an item.
func Build[T any](rows []T, limit int, position func(T) Cursor) Page[T] {
	limit = ClampLimit(limit)

	page := Page[T]{Items: rows}
	if len(rows) > limit {
		page.Items = rows[:limit]
		page.HasMore = true
	}
	if page.Items == nil {
		page.Items = []T{}
	}
	if page.HasMore {
		next := position(page.Items[len(page.Items)-1])
		page.NextCursor = &next
	}
	return page
}
