package catalog

import (
	"strconv"
	"strings"
)

// Input is the mutation form. Price and Stock arrive as text because they
// come from form fields; non-numeric values coerce to 0 rather than failing
// the save. Images holds the already-attached image list, absolute or bare.
type Input struct {
	ID          string
	Title       string
	Price       string
	Description string
	Slug        string
	Stock       string
	Sizes       []Size
	Gender      Gender
	Tags        []string
	Images      []string
}

// payload is the create/update request body. Images uses omitempty on
// purpose: an update that attaches no new files must not mention images at
// all, or the backend would overwrite the server-side set.
type payload struct {
	Title       string   `json:"title"`
	Price       float64  `json:"price"`
	Description string   `json:"description"`
	Slug        string   `json:"slug"`
	Stock       int      `json:"stock"`
	Sizes       []Size   `json:"sizes"`
	Gender      Gender   `json:"gender"`
	Tags        []string `json:"tags"`
	Images      []string `json:"images,omitempty"`
}

// buildPayload shapes the request body for the (creating, has-new-files)
// case at hand. Only when new files were uploaded does an update carry the
// images field, as the merge of existing names and the uploaded ones.
func buildPayload(in Input, uploadedNames []string, creating bool) payload {
	p := payload{
		Title:       strings.TrimSpace(in.Title),
		Price:       parsePrice(in.Price),
		Description: in.Description,
		Slug:        strings.TrimSpace(in.Slug),
		Stock:       parseStock(in.Stock),
		Sizes:       in.Sizes,
		Gender:      in.Gender,
		Tags:        in.Tags,
	}
	if p.Sizes == nil {
		p.Sizes = []Size{}
	}
	if p.Tags == nil {
		p.Tags = []string{}
	}

	switch {
	case creating:
		p.Images = uploadedNames
	case len(uploadedNames) > 0:
		merged := make([]string, 0, len(in.Images)+len(uploadedNames))
		for _, img := range in.Images {
			merged = append(merged, imageName(img))
		}
		p.Images = append(merged, uploadedNames...)
	}
	return p
}

func parsePrice(s string) float64 {
	f, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil || f < 0 {
		return 0
	}
	return f
}

func parseStock(s string) int {
	n, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil || n < 0 {
		return 0
	}
	return n
}
