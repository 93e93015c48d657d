package tee

import (
	"bytes"
	"fmt"
	"io"
	"net/http"
)

// ResponseSaver is an http.ResponseWriter that saves the response to a buffer.
type ResponseSaver struct {
	b            *bytes.Buffer
	header       http.Header
	wroteHeader  http.Header
	status       int
	wroteHeaders bool
}

// Implementation of http.ResponseWriter
func (t *ResponseSaver) Header() http.Header {
	return t.header
}

// Implementation of http.ResponseWriter
func (t *ResponseSaver) WriteHeader(statusCode int) {
	if t.wroteHeaders {
		return
	}
	// remember that we wrote the headers
	t.wroteHeaders = true
	// set the status code so we can return it later
	t.status = statusCode
	// headers changed after this point are not part of the response
	t.wroteHeader = t.header.Clone()
}

// Implementation of http.ResponseWriter
func (t *ResponseSaver) Write(b []byte) (int, error) {
	// write headers if not already written
	if !t.wroteHeaders {
		t.WriteHeader(http.StatusOK)
	}
	// write to buffer and return written bytes
	return t.b.Write(b)
}

// Body returns the recorded response body.
func (t *ResponseSaver) Body() []byte {
	return t.b.Bytes()
}

// StatusCode returns the status code of the response.
// It is 200 if the handler wrote nothing at all.
func (t *ResponseSaver) StatusCode() int {
	if !t.wroteHeaders {
		return http.StatusOK
	}
	return t.status
}

// Result returns the recorded response, as if it had been received from a server.
func (t *ResponseSaver) Result(req *http.Request) *http.Response {
	header := t.wroteHeader
	if !t.wroteHeaders {
		header = t.header.Clone()
	}
	status := t.StatusCode()
	return &http.Response{
		Status:        fmt.Sprintf("%d %s", status, http.StatusText(status)),
		StatusCode:    status,
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        header,
		Body:          io.NopCloser(bytes.NewReader(t.Body())),
		ContentLength: int64(t.b.Len()),
		Request:       req,
	}
}

// NewResponseSaver returns a new ResponseSaver.
func NewResponseSaver() *ResponseSaver {
	return &ResponseSaver{
		b:      &bytes.Buffer{},
		header: http.Header{},
	}
}
