// Package runner talks to the agent service that executes skills.
//
// Execute posts a run request and consumes the server-sent event stream the
// service answers with; LoadTarget looks a skill up by id.
package runner

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cockroachdb/errors"

	"skillcron/internal/task/engine"
	logx "skillcron/pkg/logx"
)

// Config describes the agent service endpoint.
type Config struct {
	BaseURL string
	Token   string
	// LookupTimeout bounds LoadTarget. Execute is bounded by its context only.
	LookupTimeout time.Duration
	Client        *http.Client
}

// Client implements engine.Runner and engine.TargetResolver over HTTP.
type Client struct {
	base   *url.URL
	token  string
	lookup time.Duration
	hc     *http.Client
	log    logx.Logger
}

func New(cfg Config, log logx.Logger) (*Client, error) {
	raw := strings.TrimSpace(cfg.BaseURL)
	if raw == "" {
		return nil, errors.New("runner base url is required")
	}
	u, err := url.Parse(strings.TrimRight(raw, "/"))
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, errors.Newf("invalid runner base url %q", raw)
	}
	lookup := cfg.LookupTimeout
	if lookup <= 0 {
		lookup = 10 * time.Second
	}
	hc := cfg.Client
	if hc == nil {
		// No client-wide timeout: runs stream for as long as the skill takes.
		hc = &http.Client{}
	}
	return &Client{base: u, token: strings.TrimSpace(cfg.Token), lookup: lookup, hc: hc, log: log}, nil
}

type executeRequest struct {
	SkillID        string `json:"skillId"`
	Query          string `json:"query"`
	SessionID      string `json:"sessionId"`
	ModelProfileID string `json:"modelProfileId,omitempty"`
}

// Execute starts a skill run and feeds every stream event to onEvent. It
// returns an error for a non-2xx answer or a stream that ends before its
// "done" event.
func (c *Client) Execute(ctx context.Context, req engine.RunRequest, onEvent func(engine.Event)) error {
	body, err := json.Marshal(executeRequest{
		SkillID:        req.TargetID,
		Query:          req.Query,
		SessionID:      req.SessionID,
		ModelProfileID: req.ProfileID,
	})
	if err != nil {
		return errors.Wrap(err, "encode execute request")
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint("execute"), bytes.NewReader(body))
	if err != nil {
		return err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "text/event-stream")
	c.authorize(httpReq)

	resp, err := c.hc.Do(httpReq)
	if err != nil {
		return errors.Wrap(err, "execute request")
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return statusError("execute", resp)
	}

	done, err := readEvents(resp.Body, func(ev engine.Event) {
		if onEvent != nil {
			onEvent(ev)
		}
	})
	if err != nil {
		return errors.Wrap(err, "read event stream")
	}
	if !done {
		return errors.New("event stream ended before done")
	}
	return nil
}

type skillResponse struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// LoadTarget fetches a skill. A 404 means the skill is gone: (nil, nil).
func (c *Client) LoadTarget(ctx context.Context, id string) (*engine.Target, error) {
	ctx, cancel := context.WithTimeout(ctx, c.lookup)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.endpoint("skills", id), nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	c.authorize(req)

	resp, err := c.hc.Do(req)
	if err != nil {
		return nil, errors.Wrapf(err, "load skill %s", id)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return nil, nil
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		return nil, statusError("load skill", resp)
	}

	var sr skillResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&sr); err != nil {
		return nil, errors.Wrapf(err, "decode skill %s", id)
	}
	if sr.ID == "" {
		sr.ID = id
	}
	return &engine.Target{ID: sr.ID, Name: sr.Name}, nil
}

func (c *Client) endpoint(parts ...string) string {
	u := *c.base
	segs := make([]string, 0, len(parts))
	for _, p := range parts {
		segs = append(segs, url.PathEscape(p))
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/" + strings.Join(segs, "/")
	return u.String()
}

func (c *Client) authorize(r *http.Request) {
	if c.token != "" {
		r.Header.Set("Authorization", "Bearer "+c.token)
	}
}

func statusError(op string, resp *http.Response) error {
	msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))
	text := strings.TrimSpace(string(msg))
	if text == "" {
		return errors.Newf("%s: status %d", op, resp.StatusCode)
	}
	return errors.Newf("%s: status %d: %s", op, resp.StatusCode, text)
}

// readEvents parses "data:" lines of a text/event-stream body. Multi-line
// data fields are joined with newlines per the SSE format; an event is
// dispatched on the blank line that ends it. It reports whether a "done"
// event was seen.
func readEvents(r io.Reader, emit func(engine.Event)) (bool, error) {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64<<10), 4<<20)

	var (
		data []string
		done bool
	)
	flush := func() {
		if len(data) == 0 {
			return
		}
		payload := strings.Join(data, "\n")
		data = data[:0]
		if payload == "[DONE]" {
			done = true
			return
		}
		var ev engine.Event
		if err := json.Unmarshal([]byte(payload), &ev); err != nil || ev.Type == "" {
			ev = engine.Event{Type: "text", Content: payload}
		}
		if ev.Type == "done" {
			done = true
		}
		emit(ev)
	}

	for sc.Scan() {
		line := sc.Text()
		switch {
		case line == "":
			flush()
		case strings.HasPrefix(line, ":"):
			// comment / keep-alive
		case strings.HasPrefix(line, "data:"):
			data = append(data, strings.TrimPrefix(strings.TrimPrefix(line, "data:"), " "))
		}
	}
	flush()
	return done, sc.Err()
}
