package cachestatus

import "fmt"

// Name identifies this cache in the `Cache-Status` header.
const Name = "OfflineCache"

type Status string

const (
	StatusHit Status = "hit"
	StatusFwd Status = "fwd"
)

type FwdReason string

const (
	// The worker is not controlling requests (not activated).
	FwdBypass FwdReason = "bypass"

	// The request method's semantics require the request to be
	// forwarded.
	FwdMethod FwdReason = "method"

	// The cache did not contain any responses that matched the
	// request URI.
	FwdUriMiss FwdReason = "uri-miss"

	// The cache contained a response that matched the request
	// URI, but it could not select a response based upon this request's
	// header fields and stored Vary header fields.
	FwdVaryMiss FwdReason = "vary-miss"
)

// Details used by the worker.
const (
	DetailOfflineFallback = "offline-fallback"
	DetailNoResponse      = "no-response"
)

// CacheStatus describes how a request was handled.
// The zero value is a forward without reason.
type CacheStatus struct {
	Status    Status
	FwdReason FwdReason
	Stored    bool
	Detail    string
}

func (cs *CacheStatus) Hit() {
	cs.Status = StatusHit
	cs.FwdReason = ""
}

func (cs *CacheStatus) Forward(reason FwdReason) {
	cs.Status = StatusFwd
	cs.FwdReason = reason
}

// IsHit reports whether the response came from the cache.
func (cs CacheStatus) IsHit() bool {
	return cs.Status == StatusHit
}

func (cs CacheStatus) String() string {
	status := fmt.Sprintf("%s; %s", Name, cs.Status)
	if cs.Status == StatusFwd && cs.FwdReason != "" {
		status = fmt.Sprintf("%s=%s", status, cs.FwdReason)
	}
	if cs.Stored {
		status = status + "; stored"
	}
	if cs.Detail != "" {
		status = status + "; detail=" + cs.Detail
	}
	return status
}
