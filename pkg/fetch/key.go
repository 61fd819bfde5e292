package fetch

import (
	"net/url"
	"strings"
)

// CacheKey derives the cache slot for resourceKey. Query parameters named in
// bustParams are dropped and the remaining ones are put in canonical order,
// so "/posts?_t=171&b=2&a=1" and "/posts?a=1&b=2" share a slot. Keys without
// a query, or with one that does not parse, are returned unchanged.
func CacheKey(resourceKey string, bustParams []string) string {
	base, rawQuery, found := strings.Cut(resourceKey, "?")
	if !found {
		return resourceKey
	}
	rawQuery, _, _ = strings.Cut(rawQuery, "#")

	values, err := url.ParseQuery(rawQuery)
	if err != nil {
		return resourceKey
	}
	for _, p := range bustParams {
		values.Del(p)
	}
	if len(values) == 0 {
		return base
	}
	return base + "?" + values.Encode()
}
