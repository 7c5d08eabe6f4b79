package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
)

// postJSON issues a JSON request and decodes the response into out. A body
// that fails to decode is treated as a glitch: the request is re-issued once
// and re-parsed before giving up with a transient error. Error statuses are
// classified and never retried here.
func postJSON(ctx context.Context, client *http.Client, method, url string, headers map[string]string, in, out any) error {
	var lastErr error
	for attempt := 0; attempt < 2; attempt++ {
		err := doJSONOnce(ctx, client, method, url, headers, in, out)
		if err == nil {
			return nil
		}
		if !isMalformed(err) {
			if _, ok := err.(*Error); ok {
				return err
			}
			// connectivity / timeout
			return &Error{Kind: KindTransient, Msg: err.Error()}
		}
		lastErr = err
	}
	return &Error{Kind: KindTransient, Msg: "malformed response: " + lastErr.Error()}
}

type malformedError struct{ err error }

func (m *malformedError) Error() string { return m.err.Error() }

func isMalformed(err error) bool {
	_, ok := err.(*malformedError)
	return ok
}

func doJSONOnce(ctx context.Context, client *http.Client, method, url string, headers map[string]string, in, out any) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return &malformedError{err}
	}
	if resp.StatusCode >= 400 {
		return classifyStatus(resp.StatusCode, truncate(string(respBody), 200))
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(respBody, out); err != nil {
		return &malformedError{err}
	}
	return nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
