package cachestatus

import "fmt"

// HeaderName is the response header field defined by RFC 9211.
const HeaderName = "Cache-Status"

// CacheName identifies this cache in the Cache-Status header.
const CacheName = "LocalServer"

type Status string

const (
	Hit Status = "hit"
	Fwd Status = "fwd"
)

type FwdReason string

const (
	// The cache was configured to not handle this request.
	FwdBypass FwdReason = "bypass"

	// The request method's semantics require the request to be
	// forwarded.
	FwdMethod FwdReason = "method"

	// The cache did not contain any responses that matched the
	// request URI.
	FwdUriMiss FwdReason = "uri-miss"

	// The cache did not contain any responses that could be used to
	// satisfy this request.
	FwdMiss FwdReason = "miss"
)

type CacheStatus struct {
	Status    Status
	FwdReason FwdReason
	// Key is the stored entry that was used, if any.
	Key    string
	detail string
}

func (cs *CacheStatus) Hit() {
	cs.Status = Hit
	cs.FwdReason = ""
}

func (cs *CacheStatus) Forward(reason FwdReason) {
	cs.Status = Fwd
	cs.FwdReason = reason
}

// Detail sets an implementation specific detail, e.g. why a stored
// response could not be used.
func (cs *CacheStatus) Detail(detail string) {
	cs.detail = detail
}

func (cs CacheStatus) String() string {
	status := fmt.Sprintf("%s; %s", CacheName, cs.Status)
	if cs.Status == Fwd && cs.FwdReason != "" {
		status = fmt.Sprintf("%s=%s", status, cs.FwdReason)
	}
	if cs.Key != "" {
		status = fmt.Sprintf("%s; key=%q", status, cs.Key)
	}
	if cs.detail != "" {
		status = status + "; detail=" + cs.detail
	}
	return status
}
