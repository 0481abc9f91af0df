package httputil

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
)

// Doer sends HTTP requests. *http.Client satisfies it.
type Doer interface {
	Do(req *http.Request) (*http.Response, error)
}

// StatusError is a non-2xx response from the API.
type StatusError struct {
	Method string
	Path   string
	Code   int
	Msg    string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s %s: %d %s", e.Method, e.Path, e.Code, e.Msg)
}

// Client calls a steering server's JSON API.
type Client struct {
	BaseURL string
	HTTP    Doer
}

// NewClient returns a Client for baseURL. A nil doer uses
// http.DefaultClient.
func NewClient(baseURL string, doer Doer) *Client {
	if doer == nil {
		doer = http.DefaultClient
	}
	return &Client{BaseURL: strings.TrimRight(baseURL, "/"), HTTP: doer}
}

// Get decodes the response of GET path into out.
func (c *Client) Get(ctx context.Context, path string, out any) error {
	return c.Do(ctx, http.MethodGet, path, nil, out)
}

// Post sends in as JSON and decodes the response into out. Either may be
// nil.
func (c *Client) Post(ctx context.Context, path string, in, out any) error {
	return c.Do(ctx, http.MethodPost, path, in, out)
}

func (c *Client) Delete(ctx context.Context, path string) error {
	return c.Do(ctx, http.MethodDelete, path, nil, nil)
}

// Do sends one request. A non-2xx status returns a *StatusError carrying
// the server's error message.
func (c *Client) Do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("encode %s %s: %w", method, path, err)
		}
		body = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, body)
	if err != nil {
		return err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		serr := &StatusError{Method: method, Path: path, Code: resp.StatusCode, Msg: http.StatusText(resp.StatusCode)}
		var eb ErrorBody
		if data, _ := io.ReadAll(io.LimitReader(resp.Body, MaxBodyBytes)); json.Unmarshal(data, &eb) == nil && eb.Error != "" {
			serr.Msg = eb.Error
		}
		return serr
	}
	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s %s: %w", method, path, err)
	}
	return nil
}

// MockDoer replays canned responses and records requests.
type MockDoer struct {
	mu        sync.Mutex
	Requests  []*http.Request
	Bodies    []string
	responses []mockResponse
}

type mockResponse struct {
	status int
	body   string
	err    error
}

func NewMockDoer() *MockDoer { return &MockDoer{} }

// Respond queues a response.
func (m *MockDoer) Respond(status int, body string) *MockDoer {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.responses = append(m.responses, mockResponse{status: status, body: body})
	return m
}

// Fail queues a transport error.
func (m *MockDoer) Fail(err error) *MockDoer {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.responses = append(m.responses, mockResponse{err: err})
	return m
}

// Do returns the next queued response, or an empty 200 when none remain.
func (m *MockDoer) Do(req *http.Request) (*http.Response, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Requests = append(m.Requests, req)
	body := ""
	if req.Body != nil {
		data, _ := io.ReadAll(req.Body)
		body = string(data)
	}
	m.Bodies = append(m.Bodies, body)

	next := mockResponse{status: http.StatusOK}
	if len(m.responses) > 0 {
		next, m.responses = m.responses[0], m.responses[1:]
	}
	if next.err != nil {
		return nil, next.err
	}
	return &http.Response{
		StatusCode: next.status,
		Body:       io.NopCloser(strings.NewReader(next.body)),
		Header:     make(http.Header),
		Request:    req,
	}, nil
}
