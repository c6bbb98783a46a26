// Package sse reads Server-Sent-Events streams.
package sse

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
)

// maxLine bounds a single SSE line. Detector payloads are small JSON objects.
const maxLine = 1 << 20

// Frame is one dispatched SSE event.
type Frame struct {
	ID    string
	Event string
	Data  string
}

// Reader splits a stream into frames separated by blank lines.
type Reader struct {
	scanner *bufio.Scanner
	lastID  string
}

// NewReader wraps r.
func NewReader(r io.Reader) *Reader {
	s := bufio.NewScanner(r)
	s.Buffer(make([]byte, 0, 64*1024), maxLine)
	return &Reader{scanner: s}
}

// LastID is the most recent id field seen, carried across frames.
func (r *Reader) LastID() string { return r.lastID }

// Next blocks until a complete frame arrives. It returns io.EOF when the
// stream ends cleanly; a partial trailing frame is discarded.
func (r *Reader) Next() (Frame, error) {
	var (
		f       Frame
		data    []string
		hasData bool
	)

	for r.scanner.Scan() {
		line := r.scanner.Text()

		if line == "" {
			if !hasData {
				f = Frame{}
				continue
			}
			f.Data = strings.Join(data, "\n")
			f.ID = r.lastID
			return f, nil
		}
		if strings.HasPrefix(line, ":") {
			continue
		}

		field, value, _ := strings.Cut(line, ":")
		value = strings.TrimPrefix(value, " ")

		switch field {
		case "id":
			if !strings.ContainsRune(value, 0) {
				r.lastID = value
			}
		case "event":
			f.Event = value
		case "data":
			data = append(data, value)
			hasData = true
		}
	}

	if err := r.scanner.Err(); err != nil {
		return Frame{}, err
	}
	return Frame{}, io.EOF
}

// Dial opens an event stream. The caller closes the returned body.
// lastID, when set, is sent as Last-Event-ID; token as a bearer credential.
func Dial(ctx context.Context, client *http.Client, url, token, lastID string) (io.ReadCloser, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Cache-Control", "no-cache")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	if lastID != "" {
		req.Header.Set("Last-Event-ID", lastID)
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, fmt.Errorf("event stream %s: unexpected status %d", url, resp.StatusCode)
	}
	return resp.Body, nil
}
