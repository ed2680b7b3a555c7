// Package pagination parses list query parameters and mints opaque page tokens.
package pagination

import (
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"slices"
	"strconv"
	"strings"
)

const (
	DefaultPageSize    = 50
	DefaultMaxPageSize = 100

	maxFilterValueLength = 128
)

var (
	ErrInvalidPageSize  = errors.New("pagination: invalid pageSize")
	ErrInvalidFilter    = errors.New("pagination: invalid filter")
	ErrInvalidPageToken = errors.New("pagination: invalid pageToken")
)

// Cursor marks the last document ID returned for a listing. Scope names the listing (for example
// a seller ID) so a token cannot be replayed against another one.
type Cursor struct {
	Scope string
	After string
}

// Filter declares one accepted filter=field==value parameter. Values are checked at parse time:
// Bool filters must parse with strconv.ParseBool, and filters with OneOf set must match one of
// the listed values (case-insensitive, normalised to the listed spelling).
type Filter struct {
	Field string
	Bool  bool
	OneOf []string
}

// Options control Parse for one listing endpoint.
type Options struct {
	DefaultPageSize int
	MaxPageSize     int
	Filters         []Filter
}

// Params is the parsed listing request.
type Params struct {
	PageSize  int
	PageToken string
	Cursor    Cursor
	Filters   map[string]string
}

// Filter returns the raw value of field.
func (p Params) Filter(field string) (string, bool) {
	value, ok := p.Filters[field]
	return value, ok
}

// Bool returns the value of a Bool filter, false when absent.
func (p Params) Bool(field string) bool {
	value, _ := strconv.ParseBool(p.Filters[field])
	return value
}

func FromRequest(r *http.Request, opts Options) (Params, error) {
	if r == nil {
		return Params{}, errors.New("pagination: nil request")
	}
	return Parse(r.URL.Query(), opts)
}

// Parse reads pageSize, pageToken and filter parameters from values.
func Parse(values url.Values, opts Options) (Params, error) {
	size, err := pageSize(strings.TrimSpace(values.Get("pageSize")), opts)
	if err != nil {
		return Params{}, err
	}
	params := Params{PageSize: size}

	if token := strings.TrimSpace(values.Get("pageToken")); token != "" {
		if params.Cursor, err = DecodeToken(token); err != nil {
			return Params{}, err
		}
		params.PageToken = token
	}

	if params.Filters, err = parseFilters(values["filter"], opts.Filters); err != nil {
		return Params{}, err
	}
	return params, nil
}

func pageSize(raw string, opts Options) (int, error) {
	limit := opts.MaxPageSize
	if limit <= 0 {
		limit = DefaultMaxPageSize
	}
	fallback := opts.DefaultPageSize
	if fallback <= 0 {
		fallback = DefaultPageSize
	}
	if raw == "" {
		return min(fallback, limit), nil
	}
	value, err := strconv.Atoi(raw)
	switch {
	case err != nil:
		return 0, fmt.Errorf("%w: must be an integer", ErrInvalidPageSize)
	case value <= 0:
		return 0, fmt.Errorf("%w: must be greater than zero", ErrInvalidPageSize)
	}
	return min(value, limit), nil
}

func parseFilters(raw []string, declared []Filter) (map[string]string, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	if len(declared) == 0 {
		return nil, fmt.Errorf("%w: filtering not supported", ErrInvalidFilter)
	}

	filters := make(map[string]string, len(raw))
	for _, expr := range raw {
		if expr = strings.TrimSpace(expr); expr == "" {
			continue
		}
		field, value, ok := strings.Cut(expr, "==")
		field = strings.TrimSpace(field)
		value = cleanFilterValue(value)
		if !ok || field == "" || value == "" {
			return nil, fmt.Errorf("%w: expected field==value, got %q", ErrInvalidFilter, expr)
		}
		idx := slices.IndexFunc(declared, func(f Filter) bool { return f.Field == field })
		if idx < 0 {
			return nil, fmt.Errorf("%w: field %q is not allowed", ErrInvalidFilter, field)
		}
		normalised, err := declared[idx].check(value)
		if err != nil {
			return nil, err
		}
		filters[field] = normalised
	}
	return filters, nil
}

func (f Filter) check(value string) (string, error) {
	if f.Bool {
		parsed, err := strconv.ParseBool(value)
		if err != nil {
			return "", fmt.Errorf("%w: %s must be true or false", ErrInvalidFilter, f.Field)
		}
		return strconv.FormatBool(parsed), nil
	}
	if len(f.OneOf) == 0 {
		return value, nil
	}
	for _, allowed := range f.OneOf {
		if strings.EqualFold(allowed, value) {
			return allowed, nil
		}
	}
	return "", fmt.Errorf("%w: %s must be one of %s", ErrInvalidFilter, f.Field, strings.Join(f.OneOf, ", "))
}

func cleanFilterValue(value string) string {
	value = strings.Trim(strings.TrimSpace(value), "\"'")
	value = strings.TrimSpace(strings.NewReplacer("\n", " ", "\r", " ").Replace(value))
	if len(value) > maxFilterValueLength {
		value = value[:maxFilterValueLength]
	}
	return value
}
