package pagination

const (
	defaultLimit = 50
	maxLimit     = 250
)

// Pagination carries limit/offset query parameters.
type Pagination struct {
	Limit  int `form:"limit,default=50" json:"limit"`
	Offset int `form:"offset,default=0" json:"offset"`
}

// Normalize clamps limit into [1, maxLimit] and offset to >= 0.
func (p Pagination) Normalize() Pagination {
	if p.Limit <= 0 {
		p.Limit = defaultLimit
	}
	if p.Limit > maxLimit {
		p.Limit = maxLimit
	}
	if p.Offset < 0 {
		p.Offset = 0
	}
	return p
}

// PageInfo describes one page of a filtered listing.
type PageInfo struct {
	Total   int64 `json:"total"`
	Limit   int   `json:"limit"`
	Offset  int   `json:"offset"`
	HasMore bool  `json:"has_more"`
}

func BuildPageInfo(total int64, p Pagination) PageInfo {
	return PageInfo{
		Total:   total,
		Limit:   p.Limit,
		Offset:  p.Offset,
		HasMore: total > int64(p.Offset+p.Limit),
	}
}
