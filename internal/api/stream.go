package api

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/roamplan/roamsync/internal/domain"
)

// Frame is one raw server-push frame: an event type tag plus an opaque data
// payload. Err is set instead when the stream fails mid-read.
type Frame struct {
	Event string
	Data  string
	Err   error
}

// OpenAgentStream opens the agent-progress channel for an itinerary. Frames
// arrive on the returned channel until the stream ends, the transport fails,
// or ctx is cancelled; the channel is closed afterwards.
func (c *Client) OpenAgentStream(ctx context.Context, itineraryID string) (<-chan Frame, error) {
	return c.openStream(ctx, "/v1/itineraries/"+itineraryID+"/agent/stream")
}

// OpenPatchStream opens the document-patches channel for an itinerary,
// optionally scoped to one generation run.
func (c *Client) OpenPatchStream(ctx context.Context, itineraryID, executionID string) (<-chan Frame, error) {
	path := "/v1/itineraries/" + itineraryID + "/patches/stream"
	if executionID != "" {
		path += "?execution_id=" + url.QueryEscape(executionID)
	}
	return c.openStream(ctx, path)
}

func (c *Client) openStream(ctx context.Context, path string) (<-chan Frame, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	c.setHeaders(httpReq)
	httpReq.Header.Set("Accept", "text/event-stream")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, domain.ErrTransport("open stream").WithCause(err)
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		raw, _ := io.ReadAll(resp.Body)
		return nil, parseErrorResponse(resp.StatusCode, raw)
	}

	out := make(chan Frame)
	go c.streamReader(ctx, resp.Body, out)
	return out, nil
}

// streamReader parses SSE frames off the response body. Every send races
// ctx so a consumer that walked away from the channel never pins the
// goroutine or the response body.
func (c *Client) streamReader(ctx context.Context, body io.ReadCloser, out chan<- Frame) {
	defer close(out)
	defer body.Close()

	scanner := bufio.NewScanner(body)
	// Patch frames can carry whole day payloads
	buf := make([]byte, 0, 64*1024)
	scanner.Buffer(buf, 1024*1024)

	var currentEvent string

	for scanner.Scan() {
		line := scanner.Text()

		// Blank lines delimit SSE frames
		if line == "" {
			continue
		}

		if strings.HasPrefix(line, "event:") {
			currentEvent = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
			continue
		}

		if strings.HasPrefix(line, "data:") {
			data := strings.TrimPrefix(strings.TrimPrefix(line, "data:"), " ")
			// Empty data is delivered, not dropped: heartbeat frames
			// normalize to a null event downstream.
			select {
			case out <- Frame{Event: currentEvent, Data: data}:
			case <-ctx.Done():
				return
			}
		}
	}

	if err := scanner.Err(); err != nil {
		select {
		case out <- Frame{Err: domain.ErrTransport("stream read").WithCause(err)}:
		case <-ctx.Done():
		}
	}
}
