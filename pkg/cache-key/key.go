package cachekey

import (
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
)

var ErrorMalformedKey = errors.New("Malformed key")

const (
	originSeparator = ":"
	methodSeparator = ":"
	varySeparator   = "\t"
	varyLine        = "\n"
)

// CacheKeyer turns requests into request identities (cache keys) and back.
// A key is made of the origin, the method and the request URI.
// Response variants selected by `Vary` are appended as header lines.
type CacheKeyer struct {
	// Unique identifier for the origin.
	// Usually this should be the origin - well - origin.
	OriginId string
	// Cache key prefix for this origin
	OriginPrefix string
}

func NewCacheKeyer(originId string) CacheKeyer {
	return CacheKeyer{
		OriginId:     originId,
		OriginPrefix: originId + originSeparator,
	}
}

// MethodPrefix gets the key prefix for the origin with the given method.
// E.g. prefix for all GET requests in the store.
func (c CacheKeyer) MethodPrefix(method string) string {
	return c.OriginPrefix + method + methodSeparator
}

// GetKeyPrefix returns the cache key for a request without the vary headers (i.e. a key prefix).
// The returned key is suitable for finding all stored response variants for a particular request.
func (c CacheKeyer) GetKeyPrefix(r *http.Request) string {
	return c.MethodPrefix(r.Method) + c.requestURI(r.URL) + varySeparator
}

// requestURI keeps absolute URLs of other origins whole,
// so they never share keys with paths of this origin.
func (c CacheKeyer) requestURI(u *url.URL) string {
	if u.IsAbs() && !strings.EqualFold(u.Scheme+"://"+u.Host, c.OriginId) {
		return u.String()
	}
	return u.RequestURI()
}

// AddVaryKeys returns the full cache key (including vary headers) based on a previously generated
// cache key prefix and the request and response involved.
func (c CacheKeyer) AddVaryKeys(prefix string, req *http.Request, res *http.Response) string {
	key := prefix
	for _, name := range GetListHeader(res.Header, "Vary") {
		if name == "*" {
			key = key + varyLine + "*"
			continue
		}
		if !FieldAbsent(req.Header, name) {
			key = key + varyLine + strings.ToLower(name) + ": " + req.Header.Get(name)
		}
	}
	return key
}

// Matches reports whether the stored key (for the stored response) selects the given request.
// A response with `Vary: *` never matches.
func (c CacheKeyer) Matches(key string, req *http.Request, stored *http.Response) bool {
	for _, name := range GetListHeader(stored.Header, "Vary") {
		if name == "*" {
			return false
		}
	}
	return c.AddVaryKeys(c.GetKeyPrefix(req), req, stored) == key
}

// GetRequestFromKey generates a caching-wise equal request than the request that resulted in the
// provided key. This means it takes vary headers into account.
// It returns an error if the request cannot for some reason be deducted.
func (c CacheKeyer) GetRequestFromKey(key string) (*http.Request, error) {
	if !strings.HasPrefix(key, c.OriginPrefix) {
		return nil, fmt.Errorf("Key and origin do not match")
	}
	keyNoOrigin := strings.TrimPrefix(key, c.OriginPrefix)
	keyNoVary, _, found := strings.Cut(keyNoOrigin, varySeparator)
	if !found {
		return nil, fmt.Errorf("%w: %s", ErrorMalformedKey, key)
	}
	method, uri, found := strings.Cut(keyNoVary, methodSeparator)
	if !found {
		return nil, fmt.Errorf("%w: %s", ErrorMalformedKey, key)
	}
	req, err := http.NewRequest(method, uri, nil)
	if err != nil {
		return req, err
	}
	req.Header = c.GetVaryHeaders(key)
	return req, nil
}

// GetVaryHeaders creates a http.Header instance containing all the vary keys included in a key.
func (c CacheKeyer) GetVaryHeaders(key string) http.Header {
	header := make(http.Header)
	lines := strings.Split(key, varyLine)
	for i := 1; i < len(lines); i++ {
		entry := strings.SplitN(lines[i], ": ", 2)
		if len(entry) != 2 {
			continue
		}
		header.Add(entry[0], entry[1])
	}
	return header
}

// GetListHeader returns the comma separated elements of all values of a list-based field.
func GetListHeader(header http.Header, field string) []string {
	list := make([]string, 0)
	for _, hdr := range header.Values(field) {
		for _, item := range strings.Split(hdr, ",") {
			if item = strings.TrimSpace(item); item != "" {
				list = append(list, item)
			}
		}
	}
	return list
}

// FieldAbsent reports whether the field is missing from the header altogether.
func FieldAbsent(header http.Header, field string) bool {
	_, ok := header[http.CanonicalHeaderKey(field)]
	return !ok
}
