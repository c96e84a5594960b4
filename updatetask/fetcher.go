package updatetask

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	rawheaders "github.com/always-cache/localserver/pkg/raw-headers"
)

// Request is a conditional GET.
type Request struct {
	URL string
	// IfModifiedSince is sent as is when not empty.
	IfModifiedSince string
	// RequiredCookie of the store, "name=value" cookies are sent along.
	RequiredCookie string
}

type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
	// FinalURL is the url after following redirects.
	FinalURL string
}

// Redirected reports whether the response came from another url than requested.
func (r *Response) Redirected(requested string) bool {
	return r.FinalURL != "" && r.FinalURL != requested
}

// Fetcher performs the network requests of update tasks.
//
// Implementations must be safe for concurrent use.
type Fetcher interface {
	Fetch(ctx context.Context, req *Request) (*Response, error)
}

const (
	DefaultMaxRedirects = 10
	DefaultMaxBodySize  = 64 << 20
	DefaultTimeout      = 60 * time.Second
)

// HTTPFetcher fetches over HTTP(S), following up to MaxRedirects redirects.
type HTTPFetcher struct {
	client      *http.Client
	maxBodySize int64
	userAgent   string
}

type HTTPFetcherConfig struct {
	// Transport to use, http.DefaultTransport if nil.
	Transport    http.RoundTripper
	Timeout      time.Duration
	MaxRedirects int
	// MaxBodySize limits the size of fetched bodies in bytes.
	MaxBodySize int64
	UserAgent   string
}

func NewHTTPFetcher(config HTTPFetcherConfig) *HTTPFetcher {
	if config.Timeout == 0 {
		config.Timeout = DefaultTimeout
	}
	if config.MaxRedirects == 0 {
		config.MaxRedirects = DefaultMaxRedirects
	}
	if config.MaxBodySize == 0 {
		config.MaxBodySize = DefaultMaxBodySize
	}
	maxRedirects := config.MaxRedirects
	return &HTTPFetcher{
		client: &http.Client{
			Transport: config.Transport,
			Timeout:   config.Timeout,
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				if len(via) >= maxRedirects {
					return ErrTooManyRedirects
				}
				return nil
			},
		},
		maxBodySize: config.MaxBodySize,
		userAgent:   config.UserAgent,
	}
}

func (f *HTTPFetcher) Fetch(ctx context.Context, req *Request) (*Response, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, req.URL, nil)
	if err != nil {
		return nil, err
	}
	if req.IfModifiedSince != "" {
		httpReq.Header.Set(rawheaders.IfModifiedSince, req.IfModifiedSince)
	}
	if name, value, ok := strings.Cut(req.RequiredCookie, "="); ok {
		httpReq.AddCookie(&http.Cookie{Name: name, Value: value})
	}
	if f.userAgent != "" {
		httpReq.Header.Set("User-Agent", f.userAgent)
	}

	res, err := f.client.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer res.Body.Close()

	body, err := io.ReadAll(io.LimitReader(res.Body, f.maxBodySize+1))
	if err != nil {
		return nil, err
	}
	if int64(len(body)) > f.maxBodySize {
		return nil, fmt.Errorf("response body exceeds %d bytes", f.maxBodySize)
	}

	return &Response{
		StatusCode: res.StatusCode,
		Header:     res.Header,
		Body:       body,
		FinalURL:   res.Request.URL.String(),
	}, nil
}
