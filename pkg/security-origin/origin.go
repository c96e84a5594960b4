package secorigin

import (
	"fmt"
	"net/url"
	"strings"
)

var ErrorInvalidOrigin = fmt.Errorf("Invalid security origin")

const (
	schemeSeparator = "://"
	portSeparator   = ":"
)

// Origin is the (scheme, host, port) triple that identifies a web application.
// Two urls share an origin only if all three parts are equal.
type Origin struct {
	Scheme string
	Host   string
	Port   string
}

// FromURL returns the origin of the given absolute url.
// Default ports are made explicit, so "http://a" and "http://a:80" are the same origin.
func FromURL(rawURL string) (Origin, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return Origin{}, fmt.Errorf("%w: %v", ErrorInvalidOrigin, err)
	}
	return fromParsed(u)
}

func fromParsed(u *url.URL) (Origin, error) {
	scheme := strings.ToLower(u.Scheme)
	if scheme != "http" && scheme != "https" && scheme != "file" {
		return Origin{}, fmt.Errorf("%w: unsupported scheme %q", ErrorInvalidOrigin, u.Scheme)
	}
	host := strings.ToLower(u.Hostname())
	if host == "" && scheme != "file" {
		return Origin{}, fmt.Errorf("%w: missing host in %q", ErrorInvalidOrigin, u.String())
	}
	port := u.Port()
	if port == "" {
		port = defaultPort(scheme)
	}
	return Origin{Scheme: scheme, Host: host, Port: port}, nil
}

func defaultPort(scheme string) string {
	switch scheme {
	case "http":
		return "80"
	case "https":
		return "443"
	}
	return ""
}

// IsSameOriginAsURL reports whether the given url belongs to this origin.
// Unparsable urls are never same-origin.
func (o Origin) IsSameOriginAsURL(rawURL string) bool {
	other, err := FromURL(rawURL)
	if err != nil {
		return false
	}
	return o == other
}

// URL returns the canonical origin url, e.g. "https://example.com" or
// "http://example.com:8080". Default ports are omitted.
func (o Origin) URL() string {
	s := o.Scheme + schemeSeparator + o.Host
	if o.Port != "" && o.Port != defaultPort(o.Scheme) {
		s += portSeparator + o.Port
	}
	return s
}

func (o Origin) String() string {
	return o.URL()
}

// Normalize rewrites u in place to its canonical form: lowercase scheme and
// host, and no default port.
func Normalize(u *url.URL) {
	u.Scheme = strings.ToLower(u.Scheme)
	if u.Host == "" {
		return
	}
	host := strings.ToLower(u.Hostname())
	if strings.Contains(host, ":") {
		host = "[" + host + "]"
	}
	if port := u.Port(); port != "" && port != defaultPort(u.Scheme) {
		host += portSeparator + port
	}
	u.Host = host
}

// NormalizeURL returns the canonical form of an absolute url, see Normalize.
func NormalizeURL(rawURL string) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", err
	}
	Normalize(u)
	return u.String(), nil
}
