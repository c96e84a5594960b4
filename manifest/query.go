package manifest

import (
	"encoding/json"
	"net/url"
	"strings"
)

// QueryMatch restricts the query strings an entry answers to. Each field is
// a "&" separated list of terms, a term being "name" (parameter present with
// any value) or "name=value".
type QueryMatch struct {
	// HasAll terms must all be present.
	HasAll string `json:"hasAll,omitempty"`
	// HasSome requires at least one of its terms.
	HasSome string `json:"hasSome,omitempty"`
	// HasNone terms must all be absent.
	HasNone string `json:"hasNone,omitempty"`
}

// IsEmpty reports whether the match accepts any query.
func (q *QueryMatch) IsEmpty() bool {
	return q == nil || (q.HasAll == "" && q.HasSome == "" && q.HasNone == "")
}

// Matches reports whether a raw query string, without the leading '?',
// satisfies the match.
func (q *QueryMatch) Matches(rawQuery string) bool {
	if q.IsEmpty() {
		return true
	}
	// malformed pairs are skipped, the well formed ones still count
	values, _ := url.ParseQuery(rawQuery)
	has := func(term string) bool {
		name, value, hasValue := strings.Cut(term, "=")
		got, ok := values[name]
		if !ok {
			return false
		}
		if !hasValue {
			return true
		}
		for _, v := range got {
			if v == value {
				return true
			}
		}
		return false
	}

	for _, term := range terms(q.HasAll) {
		if !has(term) {
			return false
		}
	}
	if some := terms(q.HasSome); len(some) > 0 {
		found := false
		for _, term := range some {
			if has(term) {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	for _, term := range terms(q.HasNone) {
		if has(term) {
			return false
		}
	}
	return true
}

func terms(match string) []string {
	var list []string
	for _, term := range strings.Split(match, "&") {
		if term != "" {
			list = append(list, term)
		}
	}
	return list
}

// parseQueryMatch reads the matchQuery attribute of an entry. Values that
// are not objects, and members that are not strings, are ignored.
func parseQueryMatch(raw json.RawMessage) (*QueryMatch, error) {
	var members map[string]json.RawMessage
	if len(raw) == 0 || json.Unmarshal(raw, &members) != nil || members == nil {
		return nil, nil
	}
	q := &QueryMatch{}
	for name, field := range map[string]*string{"hasAll": &q.HasAll, "hasSome": &q.HasSome, "hasNone": &q.HasNone} {
		value, ok := members[name]
		if !ok || json.Unmarshal(value, field) != nil {
			continue
		}
		if err := validateMatchString(*field); err != nil {
			return nil, err
		}
	}
	return q, nil
}

func validateMatchString(match string) error {
	if match == "" {
		return nil
	}
	if match[0] == '?' {
		return parseError("Invalid entry - 'matchQuery' values should not start with a '?'")
	}
	if strings.ContainsAny(match, "%+") {
		return parseError("Invalid entry - 'matchQuery' attributes cannot contain escaped values")
	}
	u, err := url.Parse("http://host/path?" + match)
	if err != nil || u.RawQuery != match || strings.ContainsAny(match, " #") {
		return parseError("Invalid entry - invalid 'matchQuery' attribute")
	}
	return nil
}
