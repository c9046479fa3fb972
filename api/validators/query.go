package validators

import (
	"net/http"
	"strconv"
	"strings"

	pkgerrors "github.com/angelmondragon/eventrelay/pkg/errors"
	"github.com/angelmondragon/eventrelay/pkg/pagination"
)

const (
	maxPageOffset = 1_000_000

	// Event types are producer-chosen names such as "payment_webhook" or
	// "email.sent": short, printable, no whitespace.
	eventTypeRule = "omitempty,max=128,printascii,excludesall= "
)

// ParseQueryInt reads an optional integer query parameter bounded by
// [min, max]. An absent parameter yields defaultVal.
func ParseQueryInt(r *http.Request, key string, defaultVal, min, max int) (int, error) {
	raw := strings.TrimSpace(r.URL.Query().Get(key))
	if raw == "" {
		return defaultVal, nil
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		return 0, pkgerrors.New(pkgerrors.CodeValidation, key+" must be an integer").
			WithDetails(map[string]any{"field": key, "value": raw})
	}
	if value < min || value > max {
		return 0, pkgerrors.New(pkgerrors.CodeValidation, key+" out of range").
			WithDetails(map[string]any{"field": key, "value": value, "min": min, "max": max})
	}
	return value, nil
}

// ParsePage reads limit and offset for the admin list endpoints.
func ParsePage(r *http.Request) (pagination.Params, error) {
	limit, err := ParseQueryInt(r, "limit", pagination.DefaultLimit, 1, pagination.MaxLimit)
	if err != nil {
		return pagination.Params{}, err
	}
	offset, err := ParseQueryInt(r, "offset", 0, 0, maxPageOffset)
	if err != nil {
		return pagination.Params{}, err
	}
	return pagination.Params{Limit: limit, Offset: offset}, nil
}

// ParseEventTypeFilter reads the optional event_type filter used by the
// dead-letter endpoints. A malformed value is rejected instead of trimmed,
// so a retry or count never silently targets a different type.
func ParseEventTypeFilter(r *http.Request) (string, error) {
	value := strings.TrimSpace(r.URL.Query().Get("event_type"))
	if err := validate.Var(value, eventTypeRule); err != nil {
		return "", pkgerrors.Wrap(pkgerrors.CodeValidation, err, "invalid event_type").
			WithDetails(map[string]any{"field": "event_type"})
	}
	return value, nil
}
