package domain

// Pagination is the cursor a list call starts from. An empty PageToken starts at the first page.
type Pagination struct {
	PageSize  int
	PageToken string
}

// CursorPage is one page of list results.
type CursorPage[T any] struct {
	Items         []T
	NextPageToken string
}

// HasMore reports whether another page follows.
func (p CursorPage[T]) HasMore() bool { return p.NextPageToken != "" }
