package kernel

// Page is pagination metadata
type Page struct {
	Number int `json:"page"`      // 1-based
	Size   int `json:"page_size"` // records per page
	Total  int `json:"total"`
	Pages  int `json:"pages"`
}

// Paginated is one page of items plus its metadata.
type Paginated[T any] struct {
	Items []T  `json:"items"`
	Page  Page `json:"pagination"`
	Empty bool `json:"empty"`
}

func NewPaginated[T any](items []T, page, size, total int) Paginated[T] {
	pages := 0
	if size > 0 {
		pages = (total + size - 1) / size
	}
	if items == nil {
		items = []T{}
	}

	return Paginated[T]{
		Items: items,
		Page: Page{
			Number: page,
			Size:   size,
			Total:  total,
			Pages:  pages,
		},
		Empty: len(items) == 0,
	}
}

func (p Paginated[T]) HasNext() bool {
	return p.Page.Number < p.Page.Pages
}

const (
	DefaultPageSize = 20
	MaxPageSize     = 200
)

// PaginationOptions are the page parameters of a list query.
type PaginationOptions struct {
	Page     int
	PageSize int
}

// Normalize clamps the options to page >= 1 and 1..MaxPageSize records.
func (o PaginationOptions) Normalize() PaginationOptions {
	if o.Page < 1 {
		o.Page = 1
	}
	switch {
	case o.PageSize <= 0:
		o.PageSize = DefaultPageSize
	case o.PageSize > MaxPageSize:
		o.PageSize = MaxPageSize
	}
	return o
}

// Offset is the number of records skipped before this page.
func (o PaginationOptions) Offset() int {
	n := o.Normalize()
	return (n.Page - 1) * n.PageSize
}
