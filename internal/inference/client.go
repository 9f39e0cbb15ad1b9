// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

// Package inference is the thin client Job Queue handlers use to run
// data-extraction jobs against an external inference backend. No backend
// is specified by the spec; Client is the interface a handler depends on,
// and HTTPClient is the one concrete implementation, wrapping net/http
// with the teacher's avast/retry-go retry idiom (a direct teacher
// dependency left unexercised by the in-pack source).
package inference

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/avast/retry-go"
	"github.com/rs/zerolog/log"

	"github.com/panoptikon/gateway/internal/buildinfo"
	"github.com/panoptikon/gateway/pkg/redact"
)

// Request describes one extraction job: a file's on-disk path plus the
// item/file identifiers the result should be attached to.
type Request struct {
	FileID int64
	ItemID int64
	Path   string
	Mime   string
}

// Result is what a successful extraction produced — exactly the shape the
// File-Scan/Job layer writes back through the Writer Actor as
// ItemData/Tags/ExtractedText rows. The spec treats the rows themselves as
// opaque to the core, so Result carries them as a raw JSON payload for the
// caller to interpret.
type Result struct {
	Setter  string
	Payload json.RawMessage
}

// Client is what a Job Queue handler performing a data-extraction job
// depends on.
type Client interface {
	Extract(ctx context.Context, req Request) (Result, error)
}

// HTTPClient implements Client against an HTTP inference backend,
// retrying transient failures (5xx, connection errors) with the teacher's
// avast/retry-go dependency.
type HTTPClient struct {
	BaseURL    string
	HTTPClient *http.Client
	Attempts   uint
}

// NewHTTPClient builds an HTTPClient with sane retry defaults.
func NewHTTPClient(baseURL string) *HTTPClient {
	return &HTTPClient{
		BaseURL:    baseURL,
		HTTPClient: &http.Client{Timeout: 60 * time.Second},
		Attempts:   3,
	}
}

func (c *HTTPClient) Extract(ctx context.Context, req Request) (Result, error) {
	var result Result

	err := retry.Do(
		func() error {
			got, err := c.extractOnce(ctx, req)
			if err != nil {
				return err
			}
			result = got
			return nil
		},
		retry.Attempts(c.attempts()),
		retry.Context(ctx),
		retry.DelayType(retry.BackOffDelay),
		retry.OnRetry(func(n uint, err error) {
			log.Warn().Err(redact.URLError(err)).Uint("attempt", n+1).Str("path", req.Path).Msg("inference: retrying extraction")
		}),
	)
	if err != nil {
		return Result{}, fmt.Errorf("inference: extract %s: %w", req.Path, err)
	}
	return result, nil
}

func (c *HTTPClient) attempts() uint {
	if c.Attempts == 0 {
		return 3
	}
	return c.Attempts
}

func (c *HTTPClient) extractOnce(ctx context.Context, req Request) (Result, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return Result{}, retry.Unrecoverable(fmt.Errorf("marshal request: %w", err))
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+"/extract", bytes.NewReader(body))
	if err != nil {
		return Result{}, retry.Unrecoverable(fmt.Errorf("build request: %w", err))
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("User-Agent", buildinfo.UserAgent)

	resp, err := c.HTTPClient.Do(httpReq)
	if err != nil {
		return Result{}, err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return Result{}, err
	}

	if resp.StatusCode >= 500 {
		return Result{}, fmt.Errorf("inference backend returned %d: %s", resp.StatusCode, respBody)
	}
	if resp.StatusCode >= 400 {
		return Result{}, retry.Unrecoverable(fmt.Errorf("inference backend returned %d: %s", resp.StatusCode, respBody))
	}

	var result Result
	if err := json.Unmarshal(respBody, &result); err != nil {
		return Result{}, retry.Unrecoverable(fmt.Errorf("decode response: %w", err))
	}
	return result, nil
}
