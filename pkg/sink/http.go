package sink

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"kvrepl/pkg/request"
)

// HTTPSink forwards requests to a downstream node's string API:
// PUT /api/string with a key/value form, DELETE /api/string?key=.
type HTTPSink struct {
	baseURL string
	client  *http.Client
}

func NewHTTPSink(baseURL string, timeout time.Duration) *HTTPSink {
	return &HTTPSink{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: timeout},
	}
}

func (s *HTTPSink) Write(ctx context.Context, req request.Request) error {
	if err := req.Validate(); err != nil {
		return err
	}
	switch req.Cmd() {
	case request.CmdSet:
		return s.put(ctx, string(req.Key()), string(req.Value()))
	case request.CmdDel:
		return s.delete(ctx, string(req.Key()))
	}
	return fmt.Errorf("http sink: %w", request.ErrUnknownCmd)
}

func (s *HTTPSink) put(ctx context.Context, key, value string) error {
	form := url.Values{}
	form.Set("key", key)
	form.Set("value", value)

	req, err := http.NewRequestWithContext(ctx, http.MethodPut, s.baseURL+"/api/string", strings.NewReader(form.Encode()))
	if err != nil {
		return fmt.Errorf("create PUT request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	return s.do(req)
}

func (s *HTTPSink) delete(ctx context.Context, key string) error {
	u := fmt.Sprintf("%s/api/string?key=%s", s.baseURL, url.QueryEscape(key))
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, u, nil)
	if err != nil {
		return fmt.Errorf("create DELETE request: %w", err)
	}

	return s.do(req)
}

func (s *HTTPSink) do(req *http.Request) error {
	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("%s do: %w", req.Method, err)
	}
	defer resp.Body.Close()

	// a delete of an absent key is already applied
	if resp.StatusCode == http.StatusNotFound && req.Method == http.MethodDelete {
		return nil
	}
	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))
		return fmt.Errorf("%s failed: %d: %s", req.Method, resp.StatusCode, strings.TrimSpace(string(b)))
	}
	return nil
}
