// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

// Package redact scrubs sensitive query parameters out of error values
// before they reach a log line or an HTTP response body.
package redact

import (
	"errors"
	"net/url"
)

var sensitiveParams = []string{"apikey", "api_key", "token", "passkey", "password"}

// URLError redacts sensitive query parameters from any *url.Error found in
// err's chain, returning an error whose type and Op are preserved but whose
// URL no longer leaks credentials. Non-url.Error values, and nil, pass
// through unchanged.
func URLError(err error) error {
	if err == nil {
		return nil
	}

	var urlErr *url.Error
	if !errors.As(err, &urlErr) {
		return err
	}

	scrubbed := *urlErr
	scrubbed.URL = redactQuery(urlErr.URL)
	return &scrubbed
}

func redactQuery(raw string) string {
	parsed, err := url.Parse(raw)
	if err != nil {
		return raw
	}

	query := parsed.Query()
	changed := false
	for _, key := range sensitiveParams {
		if _, ok := query[key]; ok {
			query.Set(key, "REDACTED")
			changed = true
		}
	}
	if !changed {
		return raw
	}

	parsed.RawQuery = query.Encode()
	return parsed.String()
}
