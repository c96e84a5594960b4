package manifest

import (
	"net/url"

	secorigin "github.com/always-cache/localserver/pkg/security-origin"
)

// Resolve returns a copy of the manifest with every url made absolute
// against the manifest url, with fragments removed.
// Entry urls and srcs must be same-origin with the given origin.
// Redirect targets may point anywhere.
func (m *Manifest) Resolve(origin secorigin.Origin) (*Manifest, error) {
	base, err := url.Parse(m.ManifestURL)
	if err != nil || !base.IsAbs() {
		return nil, parseError("Failed to resolve url - %s", m.ManifestURL)
	}

	resolved := &Manifest{
		ManifestURL: m.ManifestURL,
		Version:     m.Version,
		Entries:     make([]Entry, 0, len(m.Entries)),
		resolved:    true,
	}
	if m.RedirectURL != "" {
		if resolved.RedirectURL, err = resolveURL(base, m.RedirectURL); err != nil {
			return nil, err
		}
	}

	for _, e := range m.Entries {
		entry := Entry{IgnoreQuery: e.IgnoreQuery, MatchQuery: e.MatchQuery}
		if entry.URL, err = resolveSameOrigin(base, origin, e.URL); err != nil {
			return nil, err
		}
		if e.Src != "" {
			if entry.Src, err = resolveSameOrigin(base, origin, e.Src); err != nil {
				return nil, err
			}
		}
		if e.Redirect != "" {
			if entry.Redirect, err = resolveURL(base, e.Redirect); err != nil {
				return nil, err
			}
		}
		resolved.Entries = append(resolved.Entries, entry)
	}
	return resolved, nil
}

func resolveSameOrigin(base *url.URL, origin secorigin.Origin, ref string) (string, error) {
	abs, err := resolveURL(base, ref)
	if err != nil {
		return "", err
	}
	if !origin.IsSameOriginAsURL(abs) {
		return "", parseError("Url is not from the same origin - %s", ref)
	}
	return abs, nil
}

func resolveURL(base *url.URL, ref string) (string, error) {
	u, err := url.Parse(ref)
	if err != nil {
		return "", parseError("Failed to resolve url - %s", ref)
	}
	abs := base.ResolveReference(u)
	abs.Fragment = ""
	abs.RawFragment = ""
	secorigin.Normalize(abs)
	return abs.String(), nil
}
