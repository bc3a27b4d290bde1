package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// apiError is the error envelope returned by brokerd.
type apiError struct {
	Errors []struct {
		Message string `json:"message"`
		Reason  string `json:"reason"`
	} `json:"errors"`
}

type statusError struct {
	code int
	body apiError
}

func (e *statusError) Error() string {
	if len(e.body.Errors) == 0 {
		return fmt.Sprintf("HTTP %d", e.code)
	}
	msgs := make([]string, 0, len(e.body.Errors))
	for _, d := range e.body.Errors {
		if d.Reason != "" {
			msgs = append(msgs, d.Reason+": "+d.Message)
		} else {
			msgs = append(msgs, d.Message)
		}
	}
	return fmt.Sprintf("HTTP %d: %s", e.code, strings.Join(msgs, "; "))
}

// call sends one request and decodes the JSON answer into out (when non-nil).
// Connection failures, 429 and 503 are retried with exponential backoff.
func call(ctx context.Context, method, path string, body, out interface{}) error {
	var payload []byte
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return err
		}
		payload = b
	}

	client := &http.Client{Timeout: timeout}
	var respBody []byte
	op := func() error {
		req, err := http.NewRequestWithContext(ctx, method, strings.TrimRight(apiAddr, "/")+path, bytes.NewReader(payload))
		if err != nil {
			return backoff.Permanent(err)
		}
		req.Header.Set("Content-Type", "application/json")
		if userID != "" {
			req.Header.Set("X-User-ID", userID)
		}
		resp, err := client.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		respBody, err = io.ReadAll(resp.Body)
		if err != nil {
			return err
		}
		if resp.StatusCode < 300 {
			return nil
		}
		serr := &statusError{code: resp.StatusCode}
		_ = json.Unmarshal(respBody, &serr.body)
		if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode == http.StatusServiceUnavailable {
			return serr
		}
		return backoff.Permanent(serr)
	}

	b := backoff.NewExponentialBackOff()
	b.MaxElapsedTime = 30 * time.Second
	if err := backoff.Retry(op, backoff.WithContext(b, ctx)); err != nil {
		return err
	}
	if out == nil || len(respBody) == 0 {
		return nil
	}
	return json.Unmarshal(respBody, out)
}

func printJSON(v interface{}) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
