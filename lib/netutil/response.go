// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package netutil

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
)

// MaxResponseSize bounds reads of JSON API responses. Log chunks and
// job listings stay far below it; blobs never travel over these APIs.
const MaxResponseSize int64 = 64 << 20

// maxErrorSize bounds how much of an error body ends up in a message.
const maxErrorSize = 64 << 10

// DecodeResponse decodes a JSON response body into v, reading at most
// MaxResponseSize bytes.
func DecodeResponse(body io.Reader, v any) error {
	data, err := io.ReadAll(io.LimitReader(body, MaxResponseSize))
	if err != nil {
		return fmt.Errorf("reading response body: %w", err)
	}
	return json.Unmarshal(data, v)
}

// ErrorMessage extracts a message from an error response. Foreman's
// APIs answer {"error": "..."}; anything else is returned as trimmed
// text. Read errors are ignored since a partial body still helps.
func ErrorMessage(body io.Reader) string {
	data, _ := io.ReadAll(io.LimitReader(body, maxErrorSize))
	var failure struct {
		Error string `json:"error"`
	}
	if json.Unmarshal(data, &failure) == nil && failure.Error != "" {
		return failure.Error
	}
	return strings.TrimSpace(string(data))
}
