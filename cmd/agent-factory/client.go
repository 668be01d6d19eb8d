package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"
)

// client is the thin HTTP client the operator commands use against the
// control API. All writes go through the API: the CLI never touches the
// database.
type client struct {
	baseURL string
	token   string
	http    *http.Client
}

func newClient() *client {
	base := serverURL
	if base == "" {
		base = os.Getenv("FACTORY_URL")
	}
	if base == "" {
		base = "http://localhost:8080"
	}

	token := authToken
	if token == "" {
		token = os.Getenv("WORKER_TOKEN")
	}

	return &client{
		baseURL: base,
		token:   token,
		http:    &http.Client{Timeout: 30 * time.Second},
	}
}

// apiError mirrors the API's error envelope.
type apiError struct {
	Err     string `json:"error"`
	Code    string `json:"code"`
	Details string `json:"details"`
}

func (e *apiError) Error() string {
	if e.Details != "" {
		return fmt.Sprintf("%s: %s", e.Err, e.Details)
	}
	return e.Err
}

// do sends one request, decoding the response into out when it is non-nil.
func (c *client) do(ctx context.Context, method, path string, body, out any) error {
	var reqBody io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reqBody = bytes.NewReader(buf)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reqBody)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}

	if resp.StatusCode >= 400 {
		var envelope apiError
		if json.Unmarshal(data, &envelope) == nil && envelope.Err != "" {
			return &envelope
		}
		return fmt.Errorf("%s %s: HTTP %d", method, path, resp.StatusCode)
	}

	if out == nil {
		return nil
	}
	return json.Unmarshal(data, out)
}
