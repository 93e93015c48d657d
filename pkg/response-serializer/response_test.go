package serializer

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"testing"
	"time"
)

func TestCaptureBodyAvailableToEveryConsumer(t *testing.T) {
	response := `HTTP/1.1 200 OK
Server: Test
Content-Length: 16

This is the body`

	res, err := http.ReadResponse(bufio.NewReader(strings.NewReader(response)), nil)
	if err != nil {
		panic(err)
	}

	snap, err := Capture(res, TypeBasic, time.Now(), 0)
	if err != nil {
		t.Fatalf("Error: %v", err)
	}
	for i := 0; i < 2; i++ {
		body, err := io.ReadAll(snap.Response(nil).Body)
		if err != nil {
			t.Fatalf("Error: %v", err)
		}
		if fmt.Sprintf("%s", body) != "This is the body" {
			t.Fatalf("Body (read %d): %s", i, body)
		}
	}
}

func TestCaptureLimit(t *testing.T) {
	newResponse := func(contentLength int64) *http.Response {
		return &http.Response{
			StatusCode:    http.StatusOK,
			Header:        http.Header{},
			Body:          io.NopCloser(strings.NewReader("This is the body")),
			ContentLength: contentLength,
		}
	}

	snap, err := Capture(newResponse(16), TypeBasic, time.Now(), 16)
	if err != nil || string(snap.Body) != "This is the body" {
		t.Fatalf("Body %q, error %v", snap.Body, err)
	}

	// unknown length: the captured prefix is put back
	res := newResponse(-1)
	if _, err := Capture(res, TypeBasic, time.Now(), 4); !errors.Is(err, ErrBodyTooLarge) {
		t.Fatalf("Error: %v", err)
	}
	body, _ := io.ReadAll(res.Body)
	if string(body) != "This is the body" {
		t.Fatalf("Body after capture: %s", body)
	}

	// known length: nothing is read
	res = newResponse(16)
	if _, err := Capture(res, TypeBasic, time.Now(), 4); !errors.Is(err, ErrBodyTooLarge) {
		t.Fatalf("Error: %v", err)
	}
	body, _ = io.ReadAll(res.Body)
	if string(body) != "This is the body" {
		t.Fatalf("Body after capture: %s", body)
	}
}

func TestResponseHeadersAreIndependent(t *testing.T) {
	snap := Snapshot{StatusCode: 200, Header: http.Header{"Test": {"-ing"}}}
	first := snap.Response(nil)
	first.Header.Set("Test", "changed")
	if got := snap.Response(nil).Header.Get("Test"); got != "-ing" {
		t.Fatalf("Snapshot header mutated: %s", got)
	}
}

func TestSnapshotSerialization(t *testing.T) {
	reqTime := time.Now()
	resTime := reqTime.Add(time.Second)
	snap := Snapshot{
		StatusCode:   201,
		Header:       http.Header{"Test": {"-ing"}},
		Body:         []byte("created"),
		Type:         TypeBasic,
		RequestTime:  reqTime,
		ResponseTime: resTime,
	}
	bts, err := SnapshotToBytes(snap)
	if err != nil {
		t.Fatalf("Error creating bytes: %+v", err)
	}
	snap2, err := BytesToSnapshot(bts)
	if err != nil {
		t.Fatalf("Error creating snapshot: %+v", err)
	}
	if snap2.Header.Get("Test") != "-ing" {
		t.Fatalf("Test header wrong %+v", snap2.Header)
	}
	if snap2.Header.Get(responseTimeHeaderName) != "" || snap2.Header.Get(typeHeaderName) != "" {
		t.Fatalf("Internal headers leaked %+v", snap2.Header)
	}
	if snap2.StatusCode != 201 || string(snap2.Body) != "created" || snap2.Type != TypeBasic {
		t.Fatalf("Snapshot is %+v", snap2)
	}
	if snap2.ResponseTime.Unix() != resTime.Unix() {
		t.Fatalf("Response time is %v", snap2.ResponseTime)
	}
}

func TestCacheable(t *testing.T) {
	cases := []struct {
		status    int
		typ       ResponseType
		cacheable bool
	}{
		{200, TypeBasic, true},
		{200, TypeOpaque, false},
		{404, TypeBasic, false},
		{206, TypeBasic, false},
	}
	for _, c := range cases {
		if got := Cacheable(c.status, c.typ); got != c.cacheable {
			t.Fatalf("%d %s: cacheable is %v", c.status, c.typ, got)
		}
	}
}
