package server

import (
	"net/url"
	"strconv"
	"strings"

	"github.com/hyperjump/niteru/internal/models"
)

// filtersFromValues reads category, tag, attr and text parameters. Tags may
// be repeated or comma separated; attr takes key=value and may be repeated.
func filtersFromValues(v url.Values) (*models.Filters, error) {
	attrs, err := models.ParseAttributes(v["attr"])
	if err != nil {
		return nil, err
	}
	f := &models.Filters{
		Category:   strings.TrimSpace(v.Get("category")),
		Tags:       splitList(v["tag"]),
		Attributes: attrs,
		Text:       strings.TrimSpace(v.Get("text")),
	}
	if f.IsEmpty() {
		return nil, nil
	}
	return f, nil
}

func splitList(values []string) []string {
	var out []string
	for _, v := range values {
		for _, part := range strings.Split(v, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}

// intParam parses an optional non-negative integer parameter.
func intParam(v url.Values, name string) (int, error) {
	s := strings.TrimSpace(v.Get(name))
	if s == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(s)
	if err != nil || n < 0 {
		return 0, models.NewConfigError(name, "expected a non-negative integer, got %q", s)
	}
	return n, nil
}

func boolParam(v url.Values, name string) bool {
	b, _ := strconv.ParseBool(v.Get(name))
	return b
}
