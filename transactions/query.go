package transactions

import (
	"math"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/codingric/receiptbox/models"
	"github.com/shopspring/decimal"
)

const (
	DefaultPageSize = 20
	MaxPageSize     = 100
)

var textFields = map[string]bool{"category": true, "description": true}

// ParseQuery turns list parameters of the form field__op=value (op defaults
// to eq) plus page/page_size into a repository query. Pagination only applies
// when page or page_size is present.
func ParseQuery(values url.Values) (models.Query, error) {
	q := models.Query{}
	verr := &ValidationError{}

	for param, vals := range values {
		if param == "page" || param == "page_size" || len(vals) == 0 {
			continue
		}
		field, op := param, "eq"
		if p := strings.SplitN(param, "__", 2); len(p) == 2 {
			field, op = p[0], p[1]
		}
		if !models.FilterFields[field] {
			verr.add(param, "Unknown filter field.")
			continue
		}
		if !models.ValidFilterOp(op) || (op == "like" && !textFields[field]) {
			verr.add(param, "Invalid operator "+op+".")
			continue
		}

		raw := vals[0]
		var value interface{} = raw
		switch field {
		case "date":
			d, err := time.Parse(DateLayout, raw)
			if err != nil {
				verr.add(param, "Date has wrong format. Use YYYY-MM-DD.")
				continue
			}
			value = d
		case "amount":
			d, err := decimal.NewFromString(raw)
			if err != nil {
				verr.add(param, "A valid number is required.")
				continue
			}
			value = d
		}
		q.Filters = append(q.Filters, models.Filter{Field: field, Op: op, Value: value})
	}

	if values.Has("page") || values.Has("page_size") {
		page, size := 1, DefaultPageSize
		if raw := values.Get("page"); raw != "" {
			n, err := strconv.Atoi(raw)
			if err != nil || n < 1 {
				verr.add("page", "A valid page number is required.")
			} else {
				page = n
			}
		}
		if raw := values.Get("page_size"); raw != "" {
			n, err := strconv.Atoi(raw)
			switch {
			case err != nil || n < 1:
				verr.add("page_size", "A valid page size is required.")
			case n > MaxPageSize:
				size = MaxPageSize
			default:
				size = n
			}
		}
		if page-1 > math.MaxInt/size {
			verr.add("page", "A valid page number is required.")
		}
		q.Limit = size
		q.Offset = (page - 1) * size
	}

	if err := verr.orNil(); err != nil {
		return models.Query{}, err
	}
	return q, nil
}
