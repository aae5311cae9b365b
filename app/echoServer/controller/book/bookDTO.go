package book

type BookReq struct {
	Title         string `json:"title" validate:"required"`
	Author        string `json:"author" validate:"required"`
	ISBN          string `json:"isbn" validate:"required"`
	PublishedYear int    `json:"published_year" validate:"required,gte=0"`
	TotalCopies   int64  `json:"total_copies" validate:"gte=0"`
}
