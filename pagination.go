package pagegen

const (
	DefaultPageSize = 20
	MaxPageSize     = 100
)

// Pagination selects one page of a list.
type Pagination struct {
	Page     int `json:"page"`
	PageSize int `json:"page_size"`
}

// NewPagination clamps page to >= 1 and pageSize to 1..MaxPageSize.
// A non-positive pageSize selects DefaultPageSize.
func NewPagination(page, pageSize int) Pagination {
	if page < 1 {
		page = 1
	}
	if pageSize < 1 {
		pageSize = DefaultPageSize
	}
	if pageSize > MaxPageSize {
		pageSize = MaxPageSize
	}
	return Pagination{Page: page, PageSize: pageSize}
}

// Offset is the number of items before this page.
func (p Pagination) Offset() int {
	return (p.Page - 1) * p.PageSize
}

// Limit is the page size.
func (p Pagination) Limit() int {
	return p.PageSize
}

// PagedResult is one page of items plus totals.
type PagedResult[T any] struct {
	Items      []T   `json:"items"`
	Total      int64 `json:"total"`
	Page       int   `json:"page"`
	PageSize   int   `json:"page_size"`
	TotalPages int   `json:"total_pages"`
}

// NewPagedResult builds a PagedResult for items taken at p.
func NewPagedResult[T any](items []T, total int64, p Pagination) *PagedResult[T] {
	totalPages := int((total + int64(p.PageSize) - 1) / int64(p.PageSize))
	if items == nil {
		items = []T{}
	}
	return &PagedResult[T]{
		Items:      items,
		Total:      total,
		Page:       p.Page,
		PageSize:   p.PageSize,
		TotalPages: totalPages,
	}
}

// Paginate slices all according to p.
func Paginate[T any](all []T, p Pagination) *PagedResult[T] {
	start := min(p.Offset(), len(all))
	end := min(start+p.Limit(), len(all))
	return NewPagedResult(append([]T(nil), all[start:end]...), int64(len(all)), p)
}
