package serializer

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"
)

const (
	responseTimeHeaderName = "Offline-Cache-Response-Time"
	requestTimeHeaderName  = "Offline-Cache-Request-Time"
	typeHeaderName         = "Offline-Cache-Type"
)

// ResponseType mirrors the fetch response types the cache cares about.
type ResponseType string

const (
	// The response came from the worker's own origin.
	TypeBasic ResponseType = "basic"
	// The response came from another origin and must not be stored.
	TypeOpaque ResponseType = "opaque"
)

// Snapshot is a fully read network response.
// It is a value: storing it and sending it to a client are independent consumers,
// each getting its own body reader through Response.
type Snapshot struct {
	StatusCode int
	Header     http.Header
	Body       []byte
	Type       ResponseType
	// The value of the clock at the time of the request that resulted in the response.
	RequestTime time.Time
	// The value of the clock at the time the response was received.
	ResponseTime time.Time
}

// ErrBodyTooLarge is returned by Capture for bodies over the limit.
var ErrBodyTooLarge = errors.New("response body too large")

// Capture reads and closes the body of res and returns the snapshot.
// If limit is positive and the body is longer, ErrBodyTooLarge is returned and
// res.Body is replaced so that it still yields the whole body from the start.
func Capture(res *http.Response, typ ResponseType, requestTime time.Time, limit int64) (Snapshot, error) {
	snap := Snapshot{
		StatusCode:   res.StatusCode,
		Header:       res.Header.Clone(),
		Type:         typ,
		RequestTime:  requestTime,
		ResponseTime: time.Now(),
	}
	if snap.Header == nil {
		snap.Header = http.Header{}
	}
	if res.Body == nil {
		return snap, nil
	}
	if limit > 0 && res.ContentLength > limit {
		return snap, ErrBodyTooLarge
	}
	reader := io.Reader(res.Body)
	if limit > 0 {
		reader = io.LimitReader(res.Body, limit+1)
	}
	body, err := io.ReadAll(reader)
	if err != nil {
		res.Body.Close()
		return snap, fmt.Errorf("reading response body: %w", err)
	}
	if limit > 0 && int64(len(body)) > limit {
		res.Body = replayBody{Reader: io.MultiReader(bytes.NewReader(body), res.Body), Closer: res.Body}
		return snap, ErrBodyTooLarge
	}
	res.Body.Close()
	snap.Body = body
	return snap, nil
}

// replayBody puts already read bytes back in front of a body.
type replayBody struct {
	io.Reader
	io.Closer
}

// Response creates a new *http.Response for the snapshot.
// Each call returns an independent response with its own header copy and body.
func (s Snapshot) Response(req *http.Request) *http.Response {
	return &http.Response{
		Status:        fmt.Sprintf("%d %s", s.StatusCode, http.StatusText(s.StatusCode)),
		StatusCode:    s.StatusCode,
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        s.Header.Clone(),
		Body:          io.NopCloser(bytes.NewReader(s.Body)),
		ContentLength: int64(len(s.Body)),
		Request:       req,
	}
}

// Cacheable reports whether a response may be written to a cache store:
// only successful same-origin responses are.
func Cacheable(statusCode int, typ ResponseType) bool {
	return statusCode == http.StatusOK && typ == TypeBasic
}

// SnapshotToBytes returns the HTTP/1.1 representation of the snapshot.
// Timing and type information travel as extra headers.
func SnapshotToBytes(s Snapshot) ([]byte, error) {
	res := s.Response(nil)
	res.Header.Set(responseTimeHeaderName, strconv.FormatInt(s.ResponseTime.Unix(), 10))
	res.Header.Set(requestTimeHeaderName, strconv.FormatInt(s.RequestTime.Unix(), 10))
	res.Header.Set(typeHeaderName, string(s.Type))
	buf := &bytes.Buffer{}
	if err := res.Write(buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// BytesToSnapshot parses bytes created by SnapshotToBytes.
func BytesToSnapshot(b []byte) (Snapshot, error) {
	snap := Snapshot{}
	res, err := http.ReadResponse(bufio.NewReader(bytes.NewReader(b)), nil)
	if err != nil {
		return snap, err
	}
	defer res.Body.Close()
	body, err := io.ReadAll(res.Body)
	if err != nil {
		return snap, err
	}
	resTimeInt, err := strconv.ParseInt(res.Header.Get(responseTimeHeaderName), 10, 64)
	if err != nil {
		return snap, err
	}
	reqTimeInt, err := strconv.ParseInt(res.Header.Get(requestTimeHeaderName), 10, 64)
	if err != nil {
		return snap, err
	}
	snap.StatusCode = res.StatusCode
	snap.Type = ResponseType(res.Header.Get(typeHeaderName))
	snap.ResponseTime = time.Unix(resTimeInt, 0)
	snap.RequestTime = time.Unix(reqTimeInt, 0)
	snap.Body = body
	// delete extra headers
	res.Header.Del(responseTimeHeaderName)
	res.Header.Del(requestTimeHeaderName)
	res.Header.Del(typeHeaderName)
	snap.Header = res.Header
	return snap, nil
}
