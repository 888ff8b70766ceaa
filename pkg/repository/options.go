package repository

import "errors"

// ListOptions defines options for listing entities with sorting and pagination
type ListOptions struct {
	// Pagination
	Offset int `json:"offset"` // Number of records to skip
	Limit  int `json:"limit"`  // Maximum number of records to return

	// Sorting
	OrderBy   string `json:"order_by"`   // Field to sort by (e.g., "finished_at", "breach")
	OrderDesc bool   `json:"order_desc"` // Sort in descending order
}

// Validate validates the ListOptions and sets defaults
func (o *ListOptions) Validate() error {
	// Set default limit
	if o.Limit <= 0 {
		o.Limit = 20
	}

	// Maximum limit to prevent abuse
	if o.Limit > 1000 {
		return errors.New("limit exceeds maximum allowed value of 1000")
	}

	// Offset must be non-negative
	if o.Offset < 0 {
		return errors.New("offset must be non-negative")
	}

	return nil
}

// SetSort sets a single sort field
func (o *ListOptions) SetSort(field string, desc bool) {
	o.OrderBy = field
	o.OrderDesc = desc
}

// SetPagination sets pagination parameters
func (o *ListOptions) SetPagination(page, pageSize int) {
	if page < 1 {
		page = 1
	}
	if pageSize < 1 {
		pageSize = 20
	}
	o.Offset = (page - 1) * pageSize
	o.Limit = pageSize
}

// PaginationResult represents the result of a paginated query
type PaginationResult[T any] struct {
	Items      []*T  `json:"items"`       // The actual data
	Total      int64 `json:"total"`       // Total number of records
	Page       int   `json:"page"`        // Current page number
	PageSize   int   `json:"page_size"`   // Page size
	TotalPages int   `json:"total_pages"` // Total number of pages
	HasMore    bool  `json:"has_more"`    // Whether there are more pages
}

// NewPaginationResult creates a new pagination result
func NewPaginationResult[T any](items []*T, total int64, opts ListOptions) *PaginationResult[T] {
	page := (opts.Offset / opts.Limit) + 1
	totalPages := int((total + int64(opts.Limit) - 1) / int64(opts.Limit))

	return &PaginationResult[T]{
		Items:      items,
		Total:      total,
		Page:       page,
		PageSize:   opts.Limit,
		TotalPages: totalPages,
		HasMore:    page < totalPages,
	}
}
