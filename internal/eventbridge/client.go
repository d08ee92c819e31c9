package eventbridge

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/kingrea/missionctl/internal/lifecycle"
	"github.com/kingrea/missionctl/internal/stage"
)

// Health is the decoded /health payload.
type Health = healthResponse

// Client talks to a running mission server.
type Client struct {
	base   string
	http   *http.Client
	tenant string
}

// NewClient returns a client for baseURL. A nil httpClient uses http.DefaultClient.
func NewClient(baseURL string, httpClient *http.Client, tenant string) *Client {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &Client{
		base:   strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		http:   httpClient,
		tenant: strings.TrimSpace(tenant),
	}
}

// Health fetches the server health report.
func (c *Client) Health(ctx context.Context) (Health, error) {
	var out Health
	err := c.do(ctx, http.MethodGet, "/health", nil, &out)
	return out, err
}

// Stages fetches every stage of a mission.
func (c *Client) Stages(ctx context.Context, mission string) (StagesResponse, error) {
	var out StagesResponse
	err := c.do(ctx, http.MethodGet, missionPath(mission, "stages"), nil, &out)
	return out, err
}

// Stage fetches one stage with its successor and duration.
func (c *Client) Stage(ctx context.Context, mission string, id stage.ID) (StageResponse, error) {
	var out StageResponse
	err := c.do(ctx, http.MethodGet, missionPath(mission, "stages", string(id)), nil, &out)
	return out, err
}

// Transition applies start, complete, or fail to a stage.
func (c *Client) Transition(ctx context.Context, mission string, id stage.ID, action string, meta stage.Metadata) (StagesResponse, error) {
	var out StagesResponse
	err := c.do(ctx, http.MethodPost, missionPath(mission, "stages", string(id), action), transitionRequest{Metadata: meta}, &out)
	return out, err
}

// Hydrate overlays entries onto a mission.
func (c *Client) Hydrate(ctx context.Context, mission string, entries []lifecycle.Entry) (HydrateResponse, error) {
	var out HydrateResponse
	if entries == nil {
		entries = []lifecycle.Entry{}
	}
	err := c.do(ctx, http.MethodPost, missionPath(mission, "hydrate"), entries, &out)
	return out, err
}

// Close ends a mission session, deleting its snapshot when purge is set.
func (c *Client) Close(ctx context.Context, mission string, purge bool) error {
	path := missionPath(mission)
	if purge {
		path += "?purge=true"
	}
	return c.do(ctx, http.MethodDelete, path, nil, nil)
}

// Stream delivers mission events to fn until ctx ends, the server closes the
// stream, or fn returns an error.
func (c *Client) Stream(ctx context.Context, mission string, fn func(Event) error) error {
	req, err := c.newRequest(ctx, http.MethodGet, missionPath(mission, "events"), nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "text/event-stream")
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("eventbridge: stream %s: %w", mission, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return statusError(resp)
	}
	err = readSSE(resp.Body, fn)
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return err
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	req, err := c.newRequest(ctx, method, path, body)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("eventbridge: %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return statusError(resp)
	}
	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("eventbridge: decode %s: %w", path, err)
	}
	return nil
}

func (c *Client) newRequest(ctx context.Context, method, path string, body any) (*http.Request, error) {
	var reader io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("eventbridge: encode request: %w", err)
		}
		reader = bytes.NewReader(buf)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, reader)
	if err != nil {
		return nil, fmt.Errorf("eventbridge: build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.tenant != "" {
		req.Header.Set(TenantHeader, c.tenant)
	}
	return req, nil
}

// StatusError carries a non-2xx server reply.
type StatusError struct {
	Code    int
	Message string
}

func (e *StatusError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("eventbridge: server returned %d", e.Code)
	}
	return fmt.Sprintf("eventbridge: server returned %d: %s", e.Code, e.Message)
}

func statusError(resp *http.Response) error {
	var body errorResponse
	_ = json.NewDecoder(io.LimitReader(resp.Body, 4096)).Decode(&body)
	return &StatusError{Code: resp.StatusCode, Message: body.Error}
}

func missionPath(mission string, parts ...string) string {
	segments := append([]string{"missions", mission}, parts...)
	for i, s := range segments {
		segments[i] = url.PathEscape(s)
	}
	return "/" + strings.Join(segments, "/")
}

func writeSSE(w io.Writer, evt Event) error {
	data, err := json.Marshal(evt)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "id: %d\nevent: %s\ndata: %s\n\n", evt.Sequence, evt.Name, data)
	return err
}

// readSSE decodes data lines into events. Comments and other fields are
// ignored; the data line carries the full event.
func readSSE(r io.Reader, fn func(Event) error) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
	var data strings.Builder
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case line == "":
			if data.Len() == 0 {
				continue
			}
			var evt Event
			if err := json.Unmarshal([]byte(data.String()), &evt); err != nil {
				return fmt.Errorf("eventbridge: decode event: %w", err)
			}
			data.Reset()
			if err := fn(evt); err != nil {
				return err
			}
		case strings.HasPrefix(line, "data:"):
			if data.Len() > 0 {
				data.WriteByte('\n')
			}
			data.WriteString(strings.TrimPrefix(strings.TrimPrefix(line, "data:"), " "))
		}
	}
	return scanner.Err()
}
