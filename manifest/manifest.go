// Package manifest parses the JSON document in which a web application lists
// the resources it wants available offline.
//
// Validation happens in two independent phases. Parse checks the structure
// of the document only. Resolve then turns every url into an absolute one and
// checks that captured urls belong to the application's security origin.
package manifest

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrParse matches every structural or url validation error.
	ErrParse = errors.New("invalid manifest")
	// ErrEmpty is returned for a zero length document.
	ErrEmpty = errors.New("No content returned")
)

// ParseError describes why a manifest was rejected.
type ParseError struct {
	Reason string
}

func (e *ParseError) Error() string {
	return e.Reason
}

func (e *ParseError) Is(target error) bool {
	return target == ErrParse
}

func parseError(format string, a ...any) error {
	return &ParseError{Reason: fmt.Sprintf(format, a...)}
}

const (
	formatVersion1 = 1
	// format version 2 added matchQuery
	formatVersion2 = 2
)

// Entry is one resource declared by the manifest.
type Entry struct {
	// URL is the url the resource is served under.
	URL string
	// Src is an optional alternate url to fetch the resource from.
	Src string
	// Redirect makes the entry answer with a redirect instead of a payload.
	Redirect string
	// IgnoreQuery makes the entry match its url with any query string.
	IgnoreQuery bool
	// MatchQuery makes the entry match its url with the query strings it
	// accepts. Never set together with IgnoreQuery.
	MatchQuery *QueryMatch
}

// FetchURL returns the url the resource content is downloaded from.
func (e Entry) FetchURL() string {
	if e.Src != "" {
		return e.Src
	}
	return e.URL
}

// Manifest is a parsed manifest document.
type Manifest struct {
	// ManifestURL is the url the document was fetched from,
	// and the base for relative urls.
	ManifestURL string
	Version     string
	// RedirectURL is an optional url to send users to when the store is
	// serving but the user lacks the required cookie.
	RedirectURL string
	Entries     []Entry
	resolved    bool
}

// IsResolved reports whether Resolve produced this manifest.
func (m *Manifest) IsResolved() bool {
	return m.resolved
}

type document struct {
	FormatVersion *json.Number     `json:"betaManifestVersion"`
	Version       *string          `json:"version"`
	RedirectURL   *string          `json:"redirectUrl"`
	Entries       *[]documentEntry `json:"entries"`
}

type documentEntry struct {
	URL         *string         `json:"url"`
	Src         *string         `json:"src"`
	Redirect    *string         `json:"redirect"`
	IgnoreQuery *bool           `json:"ignoreQuery"`
	MatchQuery  json.RawMessage `json:"matchQuery"`
}

// Parse checks the structure of a manifest document.
// It does not resolve relative urls nor check origins, see Resolve.
func Parse(baseURL string, body []byte) (*Manifest, error) {
	if len(body) == 0 {
		return nil, ErrEmpty
	}

	var root any
	if err := json.Unmarshal(body, &root); err != nil {
		return nil, parseError("%v", err)
	}
	if _, ok := root.(map[string]any); !ok {
		return nil, parseError("Not an object")
	}

	var doc document
	if err := json.Unmarshal(body, &doc); err != nil {
		return nil, parseError("%v", err)
	}

	formatVersion := int64(formatVersion1)
	if doc.FormatVersion != nil {
		v, err := doc.FormatVersion.Int64()
		if err != nil || (v != formatVersion1 && v != formatVersion2) {
			return nil, parseError("Invalid 'betaManifestVersion' attribute")
		}
		formatVersion = v
	}
	if doc.Version == nil || *doc.Version == "" {
		return nil, parseError("Missing 'version' attribute")
	}
	if doc.Entries == nil {
		return nil, parseError("Missing 'entries' array")
	}

	m := &Manifest{
		ManifestURL: baseURL,
		Version:     *doc.Version,
		Entries:     make([]Entry, 0, len(*doc.Entries)),
	}
	if doc.RedirectURL != nil {
		m.RedirectURL = *doc.RedirectURL
	}

	for _, de := range *doc.Entries {
		if de.URL == nil {
			return nil, parseError("Invalid entry - missing 'url' attribute")
		}
		entry := Entry{URL: *de.URL}
		if de.Src != nil {
			entry.Src = *de.Src
		}
		if de.Redirect != nil {
			entry.Redirect = *de.Redirect
		}
		if entry.Src != "" && entry.Redirect != "" {
			return nil, parseError("Invalid entry - 'src' and 'redirect' attributes cannot both be present")
		}
		if de.IgnoreQuery != nil {
			entry.IgnoreQuery = *de.IgnoreQuery
		}
		if entry.IgnoreQuery && strings.Contains(entry.URL, "?") {
			return nil, parseError("Invalid entry - ignoreQuery will never match a url containing a '?'")
		}
		if formatVersion >= formatVersion2 {
			match, err := parseQueryMatch(de.MatchQuery)
			if err != nil {
				return nil, err
			}
			if match != nil {
				if de.IgnoreQuery != nil {
					return nil, parseError("Invalid entry - 'ignoreQuery' and 'matchQuery' attributes cannot both be present")
				}
				if strings.Contains(entry.URL, "?") {
					return nil, parseError("Invalid entry - the 'url' for 'matchQuery' entries cannot contain a '?'")
				}
				if match.IsEmpty() {
					entry.IgnoreQuery = true
				} else {
					entry.MatchQuery = match
				}
			}
		}
		m.Entries = append(m.Entries, entry)
	}

	return m, nil
}
