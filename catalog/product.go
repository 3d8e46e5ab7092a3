// Package catalog reads and mutates products. Reads go through the query
// cache; writes go through Save, which coordinates asset uploads, payload
// shaping and cache write-through.
package catalog

import (
	"net/url"
	"strconv"
)

// NewProductID is the sentinel id of a product that does not exist yet.
// Getting it short-circuits locally; saving it creates instead of updating.
const NewProductID = "new"

type Gender string

const (
	GenderMen    Gender = "men"
	GenderWomen  Gender = "women"
	GenderUnisex Gender = "unisex"
	GenderKids   Gender = "kids"
)

type Size string

const (
	SizeXS  Size = "XS"
	SizeS   Size = "S"
	SizeM   Size = "M"
	SizeL   Size = "L"
	SizeXL  Size = "XL"
	SizeXXL Size = "XXL"
)

// Owner is the account a product belongs to, as the backend reports it.
type Owner struct {
	ID       string `json:"id"`
	Email    string `json:"email"`
	FullName string `json:"fullName"`
}

// Product mirrors the backend entity. Images is an ordered display sequence;
// order must be preserved end to end.
type Product struct {
	ID          string   `json:"id"`
	Title       string   `json:"title"`
	Price       float64  `json:"price"`
	Description string   `json:"description"`
	Slug        string   `json:"slug"`
	Stock       int      `json:"stock"`
	Sizes       []Size   `json:"sizes"`
	Gender      Gender   `json:"gender"`
	Tags        []string `json:"tags"`
	Images      []string `json:"images"`
	User        *Owner   `json:"user,omitempty"`
}

// Page is one page of a product listing.
type Page struct {
	Count    int       `json:"count"`
	Pages    int       `json:"pages"`
	Products []Product `json:"products"`
}

// ListOptions filter and paginate GET /products. Zero values are omitted
// from the request.
type ListOptions struct {
	Limit    int
	Offset   int
	Sizes    string // comma-separated, e.g. "M,L"
	Gender   Gender
	MinPrice float64
	MaxPrice float64
	Query    string
}

func (o ListOptions) values() url.Values {
	v := url.Values{}
	if o.Limit > 0 {
		v.Set("limit", strconv.Itoa(o.Limit))
	}
	if o.Offset > 0 {
		v.Set("offset", strconv.Itoa(o.Offset))
	}
	if o.Sizes != "" {
		v.Set("sizes", o.Sizes)
	}
	if o.Gender != "" {
		v.Set("gender", string(o.Gender))
	}
	if o.MinPrice > 0 {
		v.Set("minPrice", strconv.FormatFloat(o.MinPrice, 'f', -1, 64))
	}
	if o.MaxPrice > 0 {
		v.Set("maxPrice", strconv.FormatFloat(o.MaxPrice, 'f', -1, 64))
	}
	if o.Query != "" {
		v.Set("q", o.Query)
	}
	return v
}

// params mirrors values() as a cache key parameter record.
func (o ListOptions) params() map[string]string {
	p := make(map[string]string)
	for k, vs := range o.values() {
		if len(vs) > 0 {
			p[k] = vs[0]
		}
	}
	return p
}

// draft is the local placeholder returned for the sentinel id.
func draft() Product {
	return Product{
		ID:     NewProductID,
		Gender: GenderMen,
		Sizes:  []Size{},
		Tags:   []string{},
		Images: []string{},
	}
}
